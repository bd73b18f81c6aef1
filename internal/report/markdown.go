// Package report renders a Markdown summary of finished crawl runs.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"fsbo_spider/internal/models"
)

// Run is everything the report knows about one crawl.
type Run struct {
	State    *models.CrawlState
	Coverage models.FieldCoverage
	Pages    []models.PageVisit
}

// MarkdownWriter outputs a run report in Markdown format.
type MarkdownWriter struct {
	output io.Writer
	now    func() time.Time
}

func NewMarkdownWriter(output io.Writer) *MarkdownWriter {
	return &MarkdownWriter{output: output, now: time.Now}
}

// WriteFile writes the report for runs to path.
func WriteFile(path string, runs []Run) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("could not create report dir: %w", err)
	}
	f, err := os.Create(path) //nolint:gosec // operator supplied path
	if err != nil {
		return fmt.Errorf("could not create report: %w", err)
	}
	if err := NewMarkdownWriter(f).Write(runs); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (w *MarkdownWriter) Write(runs []Run) error {
	md := markdown.NewMarkdown(w.output)

	md.H1("FSBO Crawl Report")
	md.PlainText("")
	md.PlainTextf("Generated %s.", w.now().Format("2006-01-02 15:04:05 MST"))
	md.PlainText("")

	w.writeSummary(md, runs)
	for _, run := range runs {
		w.writeRun(md, run)
	}

	md.HorizontalRule()
	md.PlainText("")
	md.PlainText("*Report generated by fsbo_spider*")

	return md.Build()
}

func (w *MarkdownWriter) writeSummary(md *markdown.Markdown, runs []Run) {
	md.H2("Summary")
	md.PlainText("")

	if len(runs) == 0 {
		md.PlainText("No crawl was run.")
		md.PlainText("")
		return
	}

	rows := make([][]string, 0, len(runs))
	var failed, total int
	for _, run := range runs {
		s := run.State
		total += s.RecordsEmitted
		if s.Status == models.StatusFailed {
			failed++
		}
		rows = append(rows, []string{
			s.Source,
			statusText(s.Status),
			strconv.Itoa(s.PagesVisited),
			strconv.Itoa(s.RecordsEmitted),
			duration(s),
		})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Source", "Status", "Pages", "Listings", "Duration"},
		Rows:   rows,
	})
	md.PlainText("")

	if total > 0 && len(runs) > 1 {
		chart := piechart.NewPieChart(
			io.Discard,
			piechart.WithTitle("Listings per source"),
			piechart.WithShowData(true),
		)
		for _, run := range runs {
			if run.State.RecordsEmitted > 0 {
				chart.LabelAndIntValue(run.State.Source, uint64(run.State.RecordsEmitted))
			}
		}
		md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
		md.PlainText("")
	}

	switch {
	case failed > 0:
		md.Warningf("%d of %d crawl(s) ended with an error. Listings emitted before the error were kept.", failed, len(runs))
	case total == 0:
		md.Note("No listing card matched the configured selectors.")
	default:
		md.Tip(fmt.Sprintf("%d listing(s) collected.", total))
	}
	md.PlainText("")
}

func (w *MarkdownWriter) writeRun(md *markdown.Markdown, run Run) {
	s := run.State
	md.H2(s.Source)
	md.PlainText("")

	info := [][]string{
		{"Run", "`" + s.RunID + "`"},
		{"Start URL", s.StartURL},
		{"Last page", s.CurrentURL},
		{"Started", s.StartedAt.Format(time.RFC3339)},
		{"Status", statusText(s.Status)},
	}
	if s.ErrorMessage != "" {
		info = append(info, []string{"Error", s.ErrorMessage})
	}
	md.Table(markdown.TableSet{Header: []string{"Property", "Value"}, Rows: info})
	md.PlainText("")

	c := run.Coverage
	if c.Records > 0 {
		md.H3("Field coverage")
		md.PlainText("")
		md.Table(markdown.TableSet{
			Header: []string{"Field", "Present", "Share"},
			Rows: [][]string{
				{"address", strconv.Itoa(c.Address), percent(c.Address, c.Records)},
				{"price", strconv.Itoa(c.Price), percent(c.Price, c.Records)},
				{"url", strconv.Itoa(c.URL), percent(c.URL, c.Records)},
				{"description", strconv.Itoa(c.Description), percent(c.Description, c.Records)},
			},
		})
		md.PlainText("")
	}

	if len(run.Pages) > 0 {
		md.H3("Pages")
		md.PlainText("")
		rows := make([][]string, len(run.Pages))
		for i, p := range run.Pages {
			status := strconv.Itoa(p.StatusCode)
			if p.Error != "" {
				status += " (" + truncateString(p.Error, 40) + ")"
			}
			rows[i] = []string{
				strconv.Itoa(i + 1),
				truncateString(p.URL, 70),
				status,
				strconv.Itoa(p.Cards),
				strconv.FormatInt(p.DurationMS, 10) + " ms",
			}
		}
		md.Table(markdown.TableSet{
			Header: []string{"#", "URL", "Status", "Cards", "Fetch"},
			Rows:   rows,
		})
		md.PlainText("")
	}
}

func statusText(s models.CrawlStatus) string {
	switch s {
	case models.StatusCompleted:
		return "✅ Completed"
	case models.StatusFailed:
		return "❌ Failed"
	case models.StatusCancelled:
		return "⚠️ Cancelled"
	default:
		return cases.Title(language.English).String(string(s))
	}
}

func duration(s *models.CrawlState) string {
	end := s.UpdatedAt
	if s.FinishedAt != nil {
		end = *s.FinishedAt
	}
	return end.Sub(s.StartedAt).Round(time.Second).String()
}

func percent(n, total int) string {
	if total == 0 {
		return "-"
	}
	return strconv.Itoa(n*100/total) + "%"
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
