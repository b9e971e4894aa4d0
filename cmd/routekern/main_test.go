package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"routekern/internal/autoupdate"
	"routekern/internal/baseline"
	"routekern/internal/feedback"
	"routekern/internal/router"
	"routekern/internal/telemetry"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"gates unmet", fmt.Errorf("apply: %w", autoupdate.ErrGatesUnmet), exitGatesUnmet},
		{"validation", fmt.Errorf("apply: %w", baseline.ErrBaselinesInvalid), exitValidationFailed},
		{"baseline store", baseline.ErrStoreUnavailable, exitStoreUnavailable},
		{"telemetry store", fmt.Errorf("x: %w", telemetry.ErrStoreUnavailable), exitStoreUnavailable},
		{
			// A route call failing on persistence carries both sentinels;
			// the store-unavailable code wins over the generic input error.
			"routing persist",
			fmt.Errorf("%w: %w", router.ErrRoutingPersistFailed, telemetry.ErrStoreUnavailable),
			exitStoreUnavailable,
		},
		{"invalid signal", feedback.ErrInvalidSignal, exitInputError},
		{"decision not found", telemetry.ErrDecisionNotFound, exitInputError},
		{"unknown", errors.New("anything else"), exitInputError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitCode(tc.err))
		})
	}
}
