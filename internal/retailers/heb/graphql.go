package heb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"grocery-ingest/internal/scrapeerr"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("grocery-ingest/retailers/heb")

const navigationQuery = `query ShopNavigation($storeId: Int!) {
  shopNavigation(storeId: $storeId) {
    ...navigationNode
    subCategories {
      ...navigationNode
      subCategories {
        ...navigationNode
      }
    }
  }
}
fragment navigationNode on ShopNavigationNode {
  id
  displayName
  href
}`

const browseQuery = `query BrowseCategory($categoryId: String!, $storeId: Int!, $limit: Int!, $cursor: String) {
  browseCategory(categoryId: $categoryId, storeId: $storeId, limit: $limit, cursor: $cursor) {
    total
    pageInfo {
      hasNextPage
      endCursor
    }
    records {
      productId
      displayName
      productDescription
      productPageURL
      countryOfOrigin
      brand {
        name
        isOwnBrand
      }
      productImageUrls {
        url
        size
      }
      productLocation {
        location
      }
      inventory {
        inventoryState
      }
      SKUs {
        id
        twelveDigitUPC
        customerFriendlySize
        contextPrices {
          context
          isOnSale
          listPrice {
            amount
          }
          salePrice {
            amount
          }
          unitListPrice {
            amount
            unit
          }
        }
      }
    }
  }
}`

type graphqlRequest struct {
	OperationName string `json:"operationName"`
	Query         string `json:"query"`
	Variables     any    `json:"variables"`
}

type graphqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

func authError(errs []graphqlError) bool {
	for _, e := range errs {
		switch strings.ToUpper(e.Extensions.Code) {
		case "UNAUTHENTICATED", "FORBIDDEN":
			return true
		}
	}
	return false
}

// errUnauthenticated is counted by the adapter, enough of them in a row
// make the sweep fatal.
type errUnauthenticated struct {
	operation string
}

func (e errUnauthenticated) Error() string {
	return fmt.Sprintf("graphql %s: unauthenticated", e.operation)
}

func (a *Adapter) graphqlQuery(ctx context.Context, name, query string, variables, output any) error {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("graphql:%s", name))
	defer span.End()
	span.SetAttributes(attribute.String("name", name))

	res, err := a.client.Post(ctx, a.cfg.GraphQLPath, nil, graphqlRequest{
		OperationName: name,
		Query:         query,
		Variables:     variables,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch")
		return err
	}
	if res.Status == http.StatusUnauthorized {
		span.SetStatus(codes.Error, "unauthenticated")
		return errUnauthenticated{operation: name}
	}
	if res.Status >= 400 {
		span.SetStatus(codes.Error, "unexpected status")
		return scrapeerr.Errorf(scrapeerr.Transient, "graphql %s: status %d", name, res.Status)
	}

	var result graphqlResponse
	err = json.Unmarshal(res.Body, &result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse json response")
		return scrapeerr.Wrap(scrapeerr.Parse, fmt.Errorf("graphql %s: %w", name, err))
	}
	if len(result.Errors) > 0 {
		if authError(result.Errors) {
			span.SetStatus(codes.Error, "unauthenticated")
			return errUnauthenticated{operation: name}
		}
		span.SetStatus(codes.Error, result.Errors[0].Message)
		return scrapeerr.Errorf(scrapeerr.Transient, "graphql %s: %s", name, result.Errors[0].Message)
	}
	if len(result.Data) == 0 || string(result.Data) == "null" {
		return scrapeerr.Errorf(scrapeerr.Transient, "graphql %s: empty response", name)
	}

	err = json.Unmarshal(result.Data, output)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse data")
		return scrapeerr.Wrap(scrapeerr.Parse, fmt.Errorf("graphql %s: %w", name, err))
	}
	return nil
}
