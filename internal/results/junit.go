// internal/results/junit.go
package results

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/beevik/etree" // Added for XML generation
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
)

// WriteJUnit renders the runs as a JUnit XML report so CI systems can surface
// eval outcomes without knowing anything about this tool. The mapping is:
// a failed run is an <error>, a failed eval is a <failure>, a run without an
// eval script is <skipped>, and everything else passes.
func WriteJUnit(path string, runs []*schemas.ResultRecord, logger *zap.Logger) error {
	if path == "" {
		return nil
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	suites := doc.CreateElement("testsuites")
	suite := suites.CreateElement("testsuite")
	suite.CreateAttr("name", "marionette")

	var total, failures, errs, skipped int
	var totalTime float64
	for _, rec := range runs {
		if rec == nil {
			continue
		}
		total++
		totalTime += rec.ExecutionTime

		tc := suite.CreateElement("testcase")
		tc.CreateAttr("name", rec.TaskName)
		classname := rec.Model
		if classname == "" {
			classname = "marionette"
		}
		tc.CreateAttr("classname", classname)
		tc.CreateAttr("time", formatSeconds(rec.ExecutionTime))

		switch {
		case rec.Status == schemas.StatusFailed:
			errs++
			e := tc.CreateElement("error")
			msg := rec.Error
			if msg == "" {
				msg = "run failed"
			}
			e.CreateAttr("message", msg)

		case rec.Eval == nil:
			skipped++
			sk := tc.CreateElement("skipped")
			sk.CreateAttr("message", "no evaluation script")

		case !rec.Eval.Passed:
			failures++
			f := tc.CreateElement("failure")
			f.CreateAttr("message", "evaluation failed")
			f.SetText(rec.Eval.Details)
		}
	}

	count := func(el *etree.Element) {
		el.CreateAttr("tests", strconv.Itoa(total))
		el.CreateAttr("failures", strconv.Itoa(failures))
		el.CreateAttr("errors", strconv.Itoa(errs))
		el.CreateAttr("skipped", strconv.Itoa(skipped))
		el.CreateAttr("time", formatSeconds(totalTime))
	}
	count(suites)
	count(suite)

	doc.Indent(2)
	data, err := doc.WriteToBytes()
	if err != nil {
		return fmt.Errorf("failed to serialize JUnit report: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write JUnit report %s: %w", path, err)
	}

	logger.Named("results").Info("JUnit report written",
		zap.String("file", path),
		zap.Int("tests", total),
		zap.Int("failures", failures),
		zap.Int("errors", errs))
	return nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
