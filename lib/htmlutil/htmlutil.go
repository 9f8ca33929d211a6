package htmlutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/html"
)

var tracer = otel.Tracer("grocery-ingest/lib/htmlutil")

// ErrNoEmbeddedData is returned when a page does not carry the requested
// script payload.
var ErrNoEmbeddedData = errors.New("embedded data not found")

func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		getTextRecursive(child, buffer)
	}
}

var innerWhitespace = regexp.MustCompile(`\s\s+`)

func removeNonPrintable(s string) string {
	out := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) || unicode.IsSpace(c) {
			out.WriteRune(c)
		}
	}
	return out.String()
}

// CleanText collapses whitespace and strips non-printable runes.
func CleanText(s string) string {
	s = removeNonPrintable(s)
	s = strings.TrimSpace(s)
	return innerWhitespace.ReplaceAllString(s, " ")
}

// FragmentText returns the text of an html fragment such as a product
// description, with entities decoded.
func FragmentText(fragment string) string {
	if !strings.Contains(fragment, "<") {
		return CleanText(html.UnescapeString(fragment))
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return CleanText(html.UnescapeString(fragment))
	}
	return SelectionText(doc.Find("body"))
}

// SelectionText returns the cleaned text of every node in the selection.
func SelectionText(sel *goquery.Selection) string {
	var buffer bytes.Buffer
	for _, n := range sel.Nodes {
		getTextRecursive(n, &buffer)
		buffer.WriteByte(' ')
	}
	return CleanText(buffer.String())
}

// Resolve makes href absolute against base. Unparsable input is returned
// unchanged.
func Resolve(base, href string) string {
	link, err := url.Parse(href)
	if err != nil || link.IsAbs() || base == "" {
		return href
	}
	root, err := url.Parse(base)
	if err != nil {
		return href
	}
	return root.ResolveReference(link).String()
}

type Anchor struct {
	Name string
	Href string
}

// GetAnchors returns the anchors in sel, resolving relative hrefs against
// base when base is not nil.
func GetAnchors(ctx context.Context, sel *goquery.Selection, base *url.URL) []Anchor {
	_, span := tracer.Start(ctx, "GetAnchors")
	defer span.End()

	anchors := []Anchor{}
	for _, n := range sel.Nodes {
		href := ""
		for _, a := range n.Attr {
			if a.Key == "href" {
				href = a.Val
				break
			}
		}
		if href == "" {
			continue
		}

		link, err := url.Parse(href)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "got error while parsing url")
			continue
		}
		if base != nil {
			link = base.ResolveReference(link)
		}

		name := CleanText(GetText(n))
		linkStr := link.String()
		anchors = append(anchors, Anchor{
			Name: name,
			Href: linkStr,
		})
		span.AddEvent("anchor", trace.WithAttributes(
			attribute.String("name", name),
			attribute.String("url", linkStr),
		))
	}
	return anchors
}

// ScriptJSON returns the contents of the first <script> matching selector,
// validated as JSON.
func ScriptJSON(doc *goquery.Document, selector string) (json.RawMessage, error) {
	script := doc.Find(selector).First()
	if script.Length() == 0 {
		return nil, ErrNoEmbeddedData
	}
	payload := strings.TrimSpace(script.Text())
	if payload == "" {
		return nil, ErrNoEmbeddedData
	}
	if !json.Valid([]byte(payload)) {
		return nil, errors.New("embedded data is not valid json")
	}
	return json.RawMessage(payload), nil
}

// NextData extracts the __NEXT_DATA__ payload that Next.js pages embed.
func NextData(body []byte) (json.RawMessage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return ScriptJSON(doc, "script#__NEXT_DATA__")
}
