package scraper

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const library_name = "grocery-ingest/scraper"

var (
	tracer = otel.Tracer(library_name)
	meter  = otel.Meter(library_name)

	scrapedCounter, _ = meter.Int64Counter(
		"sweep.products.scraped",
		metric.WithDescription("Products handed to the sink."),
	)
	failedCounter, _ = meter.Int64Counter(
		"sweep.products.failed",
		metric.WithDescription("Products dropped by extraction or the sink."),
	)
	blockedCounter, _ = meter.Int64Counter(
		"sweep.pages.blocked",
		metric.WithDescription("Listing pages answered by bot protection."),
	)
	pageDuration, _ = meter.Float64Histogram(
		"sweep.page.duration",
		metric.WithDescription("Time spent processing one listing page."),
		metric.WithUnit("s"),
	)
)
