// Package feed fetches the day's observation export and parses it into rows.
package feed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"dof-notifier/pkg/observation"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
)

// DefaultURL is the export endpoint; "{date}" is replaced with the day as DD-MM-YYYY.
const DefaultURL = "https://dofbasen.dk/excel/search_result1.php?design=excel&soeg=soeg&periode=dato&dato={date}&obstype=observationer&species=alle&sortering=dato"

const maxBodySize = 32 << 20

// ErrNoHeader is returned when the export has no recognizable column header.
var ErrNoHeader = errors.New("export has no observation header")

// HTTPStatusError reports a non-200 response from the export endpoint.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsClientError reports whether err is a 4xx response, which retrying won't fix.
func IsClientError(err error) bool {
	var status *HTTPStatusError
	return errors.As(err, &status) && status.StatusCode >= 400 && status.StatusCode < 500 &&
		status.StatusCode != http.StatusTooManyRequests
}

// Fetcher downloads and parses the observation export.
type Fetcher struct {
	client      *http.Client
	urlTemplate string
	attempts    uint
	logger      *slog.Logger
}

// New creates a new fetcher. An empty urlTemplate uses DefaultURL.
func New(client *http.Client, urlTemplate string, attempts uint, logger *slog.Logger) *Fetcher {
	if urlTemplate == "" {
		urlTemplate = DefaultURL
	}
	if attempts == 0 {
		attempts = 3
	}
	return &Fetcher{
		client:      client,
		urlTemplate: urlTemplate,
		attempts:    attempts,
		logger:      logger,
	}
}

// URL returns the export address for a day.
func (f *Fetcher) URL(day string) string {
	return strings.ReplaceAll(f.urlTemplate, "{date}", day)
}

// FetchRows downloads the export for day ("DD-MM-YYYY") and parses it.
func (f *Fetcher) FetchRows(ctx context.Context, day string) ([]observation.Row, error) {
	exportURL := f.URL(day)
	var rows []observation.Row

	err := retry.Do(
		func() error {
			body, contentType, err := f.get(ctx, exportURL)
			if err != nil {
				return err
			}
			rows, err = Parse(Decode(body, contentType), f.logger)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(f.attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Info("Retrying fetch after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsClientError(err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", day, err)
	}

	f.logger.Info("Export fetched", "day", day, "rows", len(rows))
	return rows, nil
}

func (f *Fetcher) get(ctx context.Context, exportURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, exportURL, http.NoBody)
	if err != nil {
		return nil, "", retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", "dof-notifier/1.0")
	req.Header.Set("Accept", "text/csv,text/plain,text/html;q=0.9,*/*;q=0.8")

	start := time.Now()
	resp, err := f.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		f.logger.Warn("HTTP request failed", "url", exportURL, "duration_ms", duration.Milliseconds(), "error", err)
		return nil, "", err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	f.logger.Debug("HTTP request completed",
		"url", exportURL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"content_length", resp.ContentLength)

	if resp.StatusCode != http.StatusOK {
		return nil, "", &HTTPStatusError{URL: exportURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// Parse reads the export text. Delimited text is parsed as CSV with a sniffed
// delimiter; text that looks like HTML is parsed from its first table. Malformed
// records are logged and dropped. Empty text yields no rows.
func Parse(text string, logger *slog.Logger) ([]observation.Row, error) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(text, "\ufeff"))
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "<") {
		return parseHTML(trimmed, logger)
	}
	return parseCSV(trimmed, logger)
}

func parseCSV(text string, logger *slog.Logger) ([]observation.Row, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = sniffDelimiter(text)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	record, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	h, ok := newHeader(record)
	if !ok {
		return nil, ErrNoHeader
	}
	if len(h.missing) > 0 {
		logger.Debug("Export lacks columns", "missing", h.missing)
	}

	var rows []observation.Row
	var dropped int
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				dropped++
				logger.Warn("Dropping malformed record", "line", parseErr.Line, "error", err)
				continue
			}
			return nil, fmt.Errorf("read record: %w", err)
		}
		if row, ok := h.row(record); ok {
			rows = append(rows, row)
		}
	}
	if dropped > 0 {
		logger.Warn("Malformed records dropped", "dropped", dropped, "kept", len(rows))
	}
	return rows, nil
}

func parseHTML(text string, logger *slog.Logger) ([]observation.Row, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var h *header
	var rows []observation.Row
	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			var record []string
			tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
				record = append(record, strings.TrimSpace(cell.Text()))
			})
			if len(record) == 0 {
				return
			}
			if h == nil {
				if candidate, ok := newHeader(record); ok {
					h = candidate
				}
				return
			}
			if row, ok := h.row(record); ok {
				rows = append(rows, row)
			}
		})
		// Stop at the first table that carried the header.
		return h == nil
	})

	if h == nil {
		return nil, ErrNoHeader
	}
	if len(h.missing) > 0 {
		logger.Debug("Export lacks columns", "missing", h.missing)
	}
	return rows, nil
}
