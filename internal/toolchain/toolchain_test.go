package toolchain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHarnessTarballLinesSplitsHarnessesFromTarball(t *testing.T) {
	harnesses, tarball, err := parseHarnessTarballLines("fuzz_one\nfuzz_two\ntarball:/shared/corpus.tar.gz\n")
	require.NoError(t, err)
	require.Equal(t, []string{"fuzz_one", "fuzz_two"}, harnesses)
	require.Equal(t, "/shared/corpus.tar.gz", tarball)
}

func TestParseHarnessTarballLinesIgnoresBlankLines(t *testing.T) {
	harnesses, tarball, err := parseHarnessTarballLines("\nfuzz_one\n\ntarball:/x\n\n")
	require.NoError(t, err)
	require.Equal(t, []string{"fuzz_one"}, harnesses)
	require.Equal(t, "/x", tarball)
}

func TestReportParserMatchesAddressSanitizerHeader(t *testing.T) {
	output := "==123==ERROR: AddressSanitizer: heap-buffer-overflow on address 0xdead\n" +
		"READ of size 4 at 0xdead thread T0\n" +
		"    #0 0x55f1 in frame_decode /src/frame.c:42:5\n"

	report, ok := ReportParser{}.Parse(output)
	require.True(t, ok)
	require.Equal(t, "heap-buffer-overflow", report.BugType)
	require.Equal(t, "frame_decode", report.TriggerPoint)
}

func TestReportParserRejectsUnrecognizedOutput(t *testing.T) {
	_, ok := ReportParser{}.Parse("segmentation fault, core dumped")
	require.False(t, ok)
}
