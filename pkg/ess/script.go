package ess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/gridcharge/pkg/log"
	"github.com/raterudder/gridcharge/pkg/types"
)

// Script implements System with external commands. The telemetry command
// prints a JSON object and the charge command is run with FORCE_CHARGE set
// to "on" or "off". Commands are run with sh -c.
type Script struct {
	telemetryCmd string
	chargeCmd    string
	timeout      time.Duration

	// run is swapped out in tests
	run func(ctx context.Context, command string, env []string) ([]byte, error)
}

// scriptTelemetry is what the telemetry command prints. Any key may be
// missing or null.
type scriptTelemetry struct {
	StateOfCharge        *float64 `json:"stateOfCharge"`
	Consumption          *float64 `json:"consumption"`
	Capacity             *float64 `json:"capacity"`
	IsCharging           *bool    `json:"isCharging"`
	ForecastedGeneration *float64 `json:"forecastedGeneration"`
}

func configuredScript() *Script {
	telemetryCmd := lflag.String("ess-telemetry-command", "", "Command that prints the battery telemetry as JSON")
	chargeCmd := lflag.String("ess-charge-command", "", "Command run with FORCE_CHARGE=on|off to switch force charging")
	timeout := lflag.Duration("ess-command-timeout", 3*time.Minute, "Timeout for each ESS command")

	s := &Script{run: runShell}

	lflag.Do(func() {
		s.telemetryCmd = *telemetryCmd
		s.chargeCmd = *chargeCmd
		s.timeout = *timeout
	})

	return s
}

// NewScript returns a Script running the given commands.
func NewScript(telemetryCmd, chargeCmd string, timeout time.Duration) *Script {
	return &Script{
		telemetryCmd: telemetryCmd,
		chargeCmd:    chargeCmd,
		timeout:      timeout,
		run:          runShell,
	}
}

// Validate checks that both commands are set.
func (s *Script) Validate() error {
	if s.telemetryCmd == "" {
		return errors.New("ess-telemetry-command is required")
	}
	if s.chargeCmd == "" {
		return errors.New("ess-charge-command is required")
	}
	if s.timeout <= 0 {
		return errors.New("ess-command-timeout must be positive")
	}
	return nil
}

// GetTelemetry runs the telemetry command and parses its output. A command
// that prints nothing usable is an error; a missing key is just a nil field.
func (s *Script) GetTelemetry(ctx context.Context) (types.Telemetry, error) {
	if s.telemetryCmd == "" {
		return types.Telemetry{}, errors.New("no telemetry command configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.run(ctx, s.telemetryCmd, nil)
	if err != nil {
		return types.Telemetry{}, fmt.Errorf("telemetry command failed: %w", err)
	}

	var st scriptTelemetry
	if err := json.Unmarshal(bytes.TrimSpace(out), &st); err == nil {
		return st.telemetry(), nil
	}
	st = scriptTelemetry{}
	if err := json.Unmarshal(lastJSONLine(out), &st); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode telemetry output", slog.String("output", truncate(string(out), 512)))
		return types.Telemetry{}, fmt.Errorf("failed to decode telemetry output: %w", err)
	}
	return st.telemetry(), nil
}

func (st scriptTelemetry) telemetry() types.Telemetry {
	return types.Telemetry{
		Timestamp:                time.Now(),
		StateOfChargePct:         st.StateOfCharge,
		ConsumptionWatts:         st.Consumption,
		BatteryCapacityKWh:       st.Capacity,
		ForecastedGenerationKWh:  st.ForecastedGeneration,
		ObservedHardwareCharging: st.IsCharging,
	}
}

// SetForceCharge runs the charge command.
func (s *Script) SetForceCharge(ctx context.Context, on bool) error {
	if s.chargeCmd == "" {
		return errors.New("no charge command configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	state := "off"
	if on {
		state = "on"
	}
	start := time.Now()
	out, err := s.run(ctx, s.chargeCmd, []string{"FORCE_CHARGE=" + state})
	if err != nil {
		return fmt.Errorf("charge command (%s) failed: %w", state, err)
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"charge command complete",
		slog.String("forceCharge", state),
		slog.Duration("duration", time.Since(start)),
		slog.Int("outputBytes", len(out)),
	)
	return nil
}

func runShell(ctx context.Context, command string, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(), env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, truncate(msg, 512))
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// lastJSONLine returns the last line of out that looks like a JSON object, for
// tools that log to stdout before printing their result.
func lastJSONLine(out []byte) []byte {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		l := bytes.TrimSpace(lines[i])
		if len(l) > 0 && l[0] == '{' {
			return l
		}
	}
	return bytes.TrimSpace(out)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
