package script

import (
	"bytes"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/kurumi/internal/errors"
	"github.com/wfunc/kurumi/internal/hardware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var reset = []string{"stop", "red off", "green off", "blue off", "clear"}

// recordingSender 记录所有发送的命令，failAt 指定第几条命令（从 0 开始）返回错误
type recordingSender struct {
	sent   []string
	failAt int
	err    error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{failAt: -1}
}

func (r *recordingSender) SendCommand(cmd string) error {
	if len(r.sent) == r.failAt {
		return r.err
	}
	r.sent = append(r.sent, cmd)
	return nil
}

// MockSender testify 模拟发送方
type MockSender struct {
	mock.Mock
}

func (m *MockSender) SendCommand(cmd string) error {
	return m.Called(cmd).Error(0)
}

func pulse(colour string, from int) []string {
	return []string{
		strconv.Itoa(from) + " " + colour + " on",
		strconv.Itoa(from+1) + " sleep 100",
		strconv.Itoa(from+2) + " " + colour + " off",
		strconv.Itoa(from+3) + " sleep 100",
	}
}

func countPulses(lines []Line, colour string) int {
	n := 0
	for _, l := range lines {
		if l.Body == colour+" on" {
			n++
		}
	}
	return n
}

func assertContiguous(t *testing.T, lines []Line) {
	t.Helper()
	for i, l := range lines {
		require.Equal(t, i, l.Number, "line numbers must be contiguous")
	}
}

func TestResetSequence(t *testing.T) {
	assert.Equal(t, reset, ResetSequence())
}

func TestLineString(t *testing.T) {
	assert.Equal(t, "3 red on", Line{Number: 3, Body: "red on"}.String())
	assert.Equal(t, "7 ", Line{Number: 7}.String())
}

func TestBlinkZero(t *testing.T) {
	s := newRecordingSender()
	require.NoError(t, NewEncoder(s).Blink(0))

	want := append(append([]string{}, reset...), "0 sleep 1000", "run")
	assert.Equal(t, want, s.sent)
}

func TestBlinkOneToFour(t *testing.T) {
	for times := 1; times <= 4; times++ {
		t.Run(strconv.Itoa(times), func(t *testing.T) {
			lines, err := BlinkProgram(times, BlinkGreedy)
			require.NoError(t, err)
			require.Len(t, lines, times*4+1)
			assertContiguous(t, lines)

			assert.Equal(t, times, countPulses(lines, "blue"))
			assert.Zero(t, countPulses(lines, "red"))
			assert.Zero(t, countPulses(lines, "green"))
			assert.Equal(t, "sleep 1000", lines[len(lines)-1].Body)
		})
	}
}

func TestBlinkFive(t *testing.T) {
	s := newRecordingSender()
	require.NoError(t, NewEncoder(s).Blink(5))

	want := append([]string{}, reset...)
	want = append(want, pulse("green", 0)...)
	want = append(want, "4 sleep 1000", "run")
	assert.Equal(t, want, s.sent)
}

func TestBlinkTwentySeven(t *testing.T) {
	s := newRecordingSender()
	require.NoError(t, NewEncoder(s).Blink(27))

	want := append([]string{}, reset...)
	want = append(want, pulse("red", 0)...)
	want = append(want, pulse("blue", 4)...)
	want = append(want, pulse("blue", 8)...)
	want = append(want, "12 sleep 1000", "run")
	assert.Equal(t, want, s.sent)
	assert.Len(t, s.sent, 5+13+1)
}

func TestBlinkPolicies(t *testing.T) {
	tests := []struct {
		times  int
		policy BlinkPolicy
		red    int
		green  int
		blue   int
	}{
		{60, BlinkLegacy, 1, 2, 0},
		{60, BlinkGreedy, 2, 2, 0},
		{50, BlinkLegacy, 1, 0, 0},
		{50, BlinkGreedy, 2, 0, 0},
		{24, BlinkLegacy, 0, 4, 4},
		{24, BlinkGreedy, 0, 4, 4},
		{78, BlinkGreedy, 3, 0, 3},
		{78, BlinkLegacy, 1, 0, 3},
	}

	for _, tt := range tests {
		t.Run(tt.policy.String()+"/"+strconv.Itoa(tt.times), func(t *testing.T) {
			lines, err := BlinkProgram(tt.times, tt.policy)
			require.NoError(t, err)
			assertContiguous(t, lines)
			assert.Equal(t, tt.red, countPulses(lines, "red"))
			assert.Equal(t, tt.green, countPulses(lines, "green"))
			assert.Equal(t, tt.blue, countPulses(lines, "blue"))
			assert.Len(t, lines, (tt.red+tt.green+tt.blue)*4+1)
		})
	}
}

func TestBlinkGroupsGreedyCoversCount(t *testing.T) {
	units := map[hardware.Colour]int{hardware.Red: RedUnit, hardware.Green: GreenUnit, hardware.Blue: BlueUnit}
	for times := 0; times <= 200; times++ {
		groups, err := BlinkGroups(times, BlinkGreedy)
		require.NoError(t, err)
		sum := 0
		for _, c := range groups {
			sum += units[c]
		}
		require.Equal(t, times, sum)
	}
}

func TestBlinkNegative(t *testing.T) {
	s := newRecordingSender()
	err := NewEncoder(s).Blink(-1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidParam))
	assert.Empty(t, s.sent)
}

func TestPolicyFor(t *testing.T) {
	assert.Equal(t, BlinkLegacy, PolicyFor(true))
	assert.Equal(t, BlinkGreedy, PolicyFor(false))
	assert.Equal(t, BlinkLegacy, NewEncoder(nil, WithPolicy(BlinkLegacy)).Policy())
}

func TestReplayRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.txt")
	require.NoError(t, os.WriteFile(path, []byte("on\n off \n"), 0o644))

	s := newRecordingSender()
	enc := NewEncoder(s)
	require.NoError(t, enc.ReplayFile(path))

	want := append(append([]string{}, reset...), "0 on", "1 off", "run")
	assert.Equal(t, want, s.sent)
	assert.Equal(t, len(want), enc.Sent())
}

func TestReplayKeepsBlankLines(t *testing.T) {
	s := newRecordingSender()
	require.NoError(t, NewEncoder(s).Replay(strings.NewReader("red on\n\n  \nsleep 100")))

	want := append(append([]string{}, reset...), "0 red on", "1 ", "2 ", "3 sleep 100", "run")
	assert.Equal(t, want, s.sent)
}

func TestReplayMissingFileSendsNothing(t *testing.T) {
	m := &MockSender{}
	err := NewEncoder(m).ReplayFile(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrScriptNotFound))
	assert.ErrorIs(t, err, os.ErrNotExist)
	m.AssertNotCalled(t, "SendCommand", mock.Anything)
}

func TestReplayDirectoryIsReadError(t *testing.T) {
	s := newRecordingSender()
	err := NewEncoder(s).ReplayFile(t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrScriptRead))
	assert.Empty(t, s.sent)
}

func TestReplayReadFailureAfterReset(t *testing.T) {
	s := newRecordingSender()
	r := io.MultiReader(strings.NewReader("red on\nblue"), iotest.ErrReader(stderrors.New("disk gone")))

	err := NewEncoder(s).Replay(r)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrScriptRead))
	assert.Equal(t, append(append([]string{}, reset...), "0 red on"), s.sent)
}

func TestReplaySendFailureStops(t *testing.T) {
	m := &MockSender{}
	m.On("SendCommand", "stop").Return(nil).Once()
	m.On("SendCommand", "red off").Return(stderrors.New("write failed")).Once()

	err := NewEncoder(m).Replay(strings.NewReader("blue on\n"))
	require.EqualError(t, err, "write failed")
	m.AssertExpectations(t)
	m.AssertNumberOfCalls(t, "SendCommand", 2)
}

func TestSendFailureMidProgram(t *testing.T) {
	s := newRecordingSender()
	s.failAt = 6
	s.err = errors.New(errors.ErrSerialPortRead, "echo")

	err := NewEncoder(s).Blink(3)
	require.Error(t, err)
	assert.True(t, errors.IsIOError(err))
	assert.Len(t, s.sent, 6)
}

func TestReadScript(t *testing.T) {
	lines, err := ReadScript(strings.NewReader("  red on\r\nsleep 500\n\nblue off"))
	require.NoError(t, err)
	assert.Equal(t, []Line{
		{0, "red on"},
		{1, "sleep 500"},
		{2, ""},
		{3, "blue off"},
	}, lines)

	lines, err = ReadScript(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestReadScriptError(t *testing.T) {
	_, err := ReadScript(iotest.ErrReader(stderrors.New("disk gone")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrScriptRead))
}

func TestLint(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	enc := NewEncoder(newRecordingSender(), WithLogger(zap.New(core)))

	bad := enc.Lint([]Line{
		{0, "red on"},
		{1, "purple on"},
		{2, "sleep  100"},
		{3, ""},
	})
	assert.Equal(t, []Line{{1, "purple on"}, {3, ""}}, bad)
	assert.Equal(t, 2, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestWriterSender(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(NewWriterSender(&buf)).Blink(1))
	assert.Equal(t, strings.Join(append(append([]string{}, reset...),
		"0 blue on", "1 sleep 100", "2 blue off", "3 sleep 100", "4 sleep 1000", "run"), "\n")+"\n", buf.String())
}

func TestEncoderAgainstEmulator(t *testing.T) {
	emu := hardware.NewEmulator()
	s, err := hardware.NewSession(emu, hardware.WithObserver(hardware.CommandObserverFunc(func(hardware.CommandEvent) {})))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, NewEncoder(s).Blink(27))

	assert.True(t, emu.Running())
	assert.Len(t, emu.Program(), 13)
	assert.Equal(t, "sleep 1000", emu.Program()[12])

	tr := emu.Trace()
	assert.Equal(t, 1, tr.Pulses[hardware.Red])
	assert.Equal(t, 0, tr.Pulses[hardware.Green])
	assert.Equal(t, 2, tr.Pulses[hardware.Blue])
	assert.Empty(t, tr.Errors)
	assert.Equal(t, map[hardware.Colour]bool{hardware.Red: false, hardware.Green: false, hardware.Blue: false}, emu.LEDs())
}
