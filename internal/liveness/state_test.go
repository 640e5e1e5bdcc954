package liveness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaceStateAdvancesOnlyOnSingleFace(t *testing.T) {
	t.Parallel()

	state := NewFaceState(rightGeometry())
	det := detection(centeredFace, faceLandmarks(320, 240), 0)

	assert.Equal(t, Continue, state.Process(frameWith(0)))
	assert.Equal(t, Continue, state.Process(frameWith(1, det, det)))
	assert.Equal(t, Continue, state.Process(frameWith(2)))
	assert.Equal(t, Passed, state.Process(frameWith(3, det)))

	next := state.NextOnSuccess(frameWith(3, det))
	assert.Equal(t, StateArea, next.Name())
	assert.Zero(t, state.MaxDuration())
}

func TestAreaStateChecksContainmentAndSize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		box  BoundingBox
		want Outcome
	}{
		{"centered and large", centeredFace, Passed},
		{"one pixel inside the area box", pxBox(186, 61, 268, 358), Passed},
		{"crosses left edge", pxBox(180, 100, 240, 300), Continue},
		{"crosses bottom edge", pxBox(200, 130, 240, 300), Continue},
		{"too small", pxBox(300, 200, 100, 100), Continue},
		// 31% of the area box, passes once the 20 point tolerance is added.
		{"small but within tolerance", pxBox(250, 150, 170, 177.4), Passed},
		// 29% of the area box.
		{"just below tolerance", pxBox(250, 150, 170, 165.8), Continue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state := NewAreaState(rightGeometry())
			got := state.Process(frameWith(0, detection(tc.box, nil, 0)))
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestAreaStateIgnoresFramesWithoutSingleFace(t *testing.T) {
	t.Parallel()

	state := NewAreaState(rightGeometry())
	det := detection(centeredFace, nil, 0)
	assert.Equal(t, Continue, state.Process(frameWith(0)))
	assert.Equal(t, Continue, state.Process(frameWith(0, det, det)))
}

func TestAreaStateHandsReferenceFrameToNose(t *testing.T) {
	t.Parallel()

	state := NewAreaState(rightGeometry())
	frame := noseFrame(100, 320, 240, 0)
	require.Equal(t, Passed, state.Process(frame))

	next := state.NextOnSuccess(frame)
	nose, ok := next.(*NoseState)
	require.True(t, ok, "expected *NoseState, got %T", next)
	assert.Equal(t, NoseMaxDuration, nose.MaxDuration())
	assert.Empty(t, nose.Trajectory())
}

func TestNoseStateFailsWhenFaceLeavesTolerantArea(t *testing.T) {
	t.Parallel()

	state := NewNoseState(rightGeometry(), noseFrame(0, 320, 240, 0))
	// Nose would be inside the box, but the face is outside the tolerant area.
	outside := frameWith(100, detection(pxBox(150, 100, 240, 300), faceLandmarks(390, 250), 15))
	assert.Equal(t, Failed, state.Process(outside))
	assert.Nil(t, state.Report())
}

func TestNoseStateToleratesSmallDrift(t *testing.T) {
	t.Parallel()

	state := NewNoseState(rightGeometry(), noseFrame(0, 320, 240, 0))
	// Left edge at 175 is outside the area box but inside its 5% tolerance.
	drift := frameWith(100, detection(pxBox(175, 100, 240, 300), faceLandmarks(330, 241), 0))
	assert.Equal(t, Continue, state.Process(drift))
	assert.Len(t, state.Trajectory(), 1)
}

func TestNoseStateMissingNoseIsInconclusive(t *testing.T) {
	t.Parallel()

	state := NewNoseState(rightGeometry(), noseFrame(0, 320, 240, 0))
	landmarks := faceLandmarks(390, 250)
	noNose := frameWith(100, detection(centeredFace, landmarks[:len(landmarks)-1], 15))

	assert.Equal(t, Continue, state.Process(noNose))
	assert.Empty(t, state.Trajectory())
	assert.Equal(t, Continue, state.Process(frameWith(200)))
}

func TestNoseStateRecordsTrajectoryUntilBox(t *testing.T) {
	t.Parallel()

	state := NewNoseState(rightGeometry(), noseFrame(0, 320, 240, 0))
	path := linePath()
	for i, p := range path[:len(path)-1] {
		require.Equal(t, Continue, state.Process(noseFrame(int64(100*(i+1)), p[0], p[1], 0)))
	}
	last := path[len(path)-1]
	require.Equal(t, Passed, state.Process(noseFrame(500, last[0], last[1], 15)))

	assert.Len(t, state.Trajectory(), len(path))
	report := state.Report()
	require.NotNil(t, report)
	assert.True(t, report.Passed)
	assert.InDelta(t, 0.1179, report.Distance, 1e-3)
	assert.Equal(t, MinDistRotated, report.MinDistance)
}

func TestNoseStateTransitions(t *testing.T) {
	t.Parallel()

	state := NewNoseState(rightGeometry(), noseFrame(0, 320, 240, 0))
	assert.Equal(t, StateSuccess, state.NextOnSuccess(Frame{}).Name())
	assert.Equal(t, StateFail, state.NextOnFailure(Frame{}).Name())
}

func TestTerminalStates(t *testing.T) {
	t.Parallel()

	for _, s := range []State{SuccessState{}, FailState{}} {
		assert.True(t, IsTerminal(s))
		assert.Equal(t, Continue, s.Process(Frame{}))
		assert.Equal(t, s, s.NextOnSuccess(Frame{}))
		assert.Equal(t, s, s.NextOnFailure(Frame{}))
	}
	assert.False(t, IsTerminal(NewFaceState(rightGeometry())))
}
