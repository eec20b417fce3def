package logging

import (
	"bytes"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
	"go.viam.com/test"
)

type keyframeSummary struct {
	ID      int
	Weights []int
	hidden  string
}

// splitLine returns the tab-delimited parts of the next line written to `buf`.
func splitLine(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	line, err := buf.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)
	return strings.Split(strings.TrimSuffix(line, "\n"), "\t")
}

func TestConsoleOutputFormat(t *testing.T) {
	notStdout := &bytes.Buffer{}
	logger := &impl{"map", NewAtomicLevelAt(DEBUG), true, []Appender{NewWriterAppender(notStdout)}}

	logger.Info("keyframe inserted")
	parts := splitLine(t, notStdout)
	test.That(t, parts, test.ShouldHaveLength, 5)
	test.That(t, len(parts[0]), test.ShouldEqual, len("2023-10-30T09:12:09.459Z"))
	test.That(t, parts[1], test.ShouldEqual, "INFO")
	test.That(t, parts[2], test.ShouldEqual, "map")
	test.That(t, parts[3], test.ShouldStartWith, "logging/impl_test.go:")
	test.That(t, parts[4], test.ShouldEqual, "keyframe inserted")

	logger.Debugf("erased %d keyframes", 3)
	parts = splitLine(t, notStdout)
	test.That(t, parts[1], test.ShouldEqual, "DEBUG")
	test.That(t, parts[4], test.ShouldEqual, "erased 3 keyframes")

	logger.Warnw("spanning tree repaired", "keyframe", 7, "summary", keyframeSummary{7, []int{20, 16}, "x"})
	parts = splitLine(t, notStdout)
	test.That(t, parts, test.ShouldHaveLength, 6)
	test.That(t, parts[1], test.ShouldEqual, "WARN")
	test.That(t, parts[5], test.ShouldEqual, `{"keyframe":7,"summary":{"ID":7,"Weights":[20,16]}}`)

	logger.Errorw("unpaired", "lonely")
	parts = splitLine(t, notStdout)
	test.That(t, parts[5], test.ShouldContainSubstring, "unpaired log key")
}

func TestLevelFiltering(t *testing.T) {
	notStdout := &bytes.Buffer{}
	logger := &impl{"", NewAtomicLevelAt(WARN), true, []Appender{NewWriterAppender(notStdout)}}

	logger.Debug("dropped")
	logger.Info("dropped")
	test.That(t, notStdout.Len(), test.ShouldEqual, 0)

	logger.Error("kept")
	parts := splitLine(t, notStdout)
	test.That(t, parts[len(parts)-1], test.ShouldEqual, "kept")

	logger.SetLevel(DEBUG)
	test.That(t, logger.GetLevel(), test.ShouldEqual, DEBUG)
	logger.Debug("now kept")
	parts = splitLine(t, notStdout)
	test.That(t, parts[len(parts)-1], test.ShouldEqual, "now kept")
}

func TestSublogger(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)
	sub := logger.Sublogger("map").Sublogger("erasure")

	sub.Infow("keyframe erased", "id", 4)
	entries := observed.All()
	test.That(t, entries, test.ShouldHaveLength, 1)
	test.That(t, entries[0].LoggerName, test.ShouldEqual, "map.erasure")
	test.That(t, entries[0].Level, test.ShouldEqual, zapcore.InfoLevel)
	test.That(t, entries[0].ContextMap()["id"], test.ShouldEqual, int64(4))

	// Subloggers get their own level.
	sub.SetLevel(ERROR)
	sub.Info("dropped")
	logger.Info("kept")
	test.That(t, observed.Len(), test.ShouldEqual, 2)
}

func TestLevelFromString(t *testing.T) {
	for input, expected := range map[string]Level{"debug": DEBUG, "INFO": INFO, "Warning": WARN, "error": ERROR} {
		level, err := LevelFromString(input)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, level, test.ShouldEqual, expected)
	}

	_, err := LevelFromString("verbose")
	test.That(t, err, test.ShouldBeError, `unknown log level: "verbose"`)
	test.That(t, WARN.AsZap(), test.ShouldEqual, zapcore.WarnLevel)
	test.That(t, DEBUG.String(), test.ShouldEqual, "Debug")
}
