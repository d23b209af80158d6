package notify

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/raterudder/gridcharge/pkg/types"
)

const unknown = "Unknown"

// Message is a rendered notice.
type Message struct {
	Subject string
	Body    string
}

var anomalyTitles = map[types.AnomalyKind]string{
	types.AnomalyStuckCharging:    "Battery Force Charge Safeguard Activated",
	types.AnomalyCommandFailed:    "Battery Charge Command Failed",
	types.AnomalyMissingSOC:       "Battery State Of Charge Unavailable",
	types.AnomalyTelemetryFailed:  "Battery Telemetry Failed",
	types.AnomalyPriceFetchFailed: "Tariff Price Fetch Failed",
	types.AnomalyPersistFailed:    "Charging State Could Not Be Saved",
	types.AnomalyDecisionFailed:   "Charge Decision Failed",
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC1123)
}

// formatPct drops trailing zeros so 25 renders as "25" and 25.5 as "25.5".
func formatPct(v float64) string {
	r := math.Round(v*10) / 10
	if r == 0 {
		// no "-0" for tiny drops
		r = 0
	}
	return strconv.FormatFloat(r, 'f', -1, 64)
}

// signedPct renders a change with an explicit + when it went up.
func signedPct(v float64) string {
	s := formatPct(v)
	if s != "0" && !strings.HasPrefix(s, "-") {
		s = "+" + s
	}
	return s + "%"
}

func formatKWh(v *float64) string {
	if v == nil {
		return unknown
	}
	return fmt.Sprintf("%.2f kWh", *v)
}

func formatCost(v *float64) string {
	if v == nil {
		return unknown
	}
	return fmt.Sprintf("£%.2f", *v)
}

func formatPctPtr(v *float64) string {
	if v == nil {
		return unknown
	}
	return formatPct(*v) + "%"
}

func formatWatts(v *float64) string {
	if v == nil {
		return unknown
	}
	return fmt.Sprintf("%.0fW", *v)
}

func writeForecast(b *strings.Builder, fd types.ForecastData) {
	fmt.Fprintf(b, "\nTargets: morning %s%%, evening %s%%\n", formatPct(fd.MorningTargetPct), formatPct(fd.EveningTargetPct))
	fmt.Fprintf(b, "Forecasted generation: %s\n", formatKWh(fd.ForecastedGenerationKWh))
	if fd.ForecastAdjustmentPct > 0 {
		fmt.Fprintf(b, "Forecast adjustment: -%s%% (target %s%% -> %s%%)\n",
			formatPct(fd.ForecastAdjustmentPct), formatPct(fd.OriginalTargetSOCPct), formatPct(fd.AdjustedTargetSOCPct))
	}
	fmt.Fprintf(b, "Final target: %s%%\n", formatPct(fd.FinalTargetSOCPct))
}

// StartMessage renders a StartNotice.
func StartMessage(n types.StartNotice) Message {
	subject := "Battery Charging Started"
	if n.CurrentSOCPct != nil {
		subject += " - SOC " + formatPct(*n.CurrentSOCPct) + "%"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Battery charging has been turned ON at %s\n", formatTime(n.Time))
	fmt.Fprintf(&b, "Current SOC: %s\n", formatPctPtr(n.CurrentSOCPct))
	fmt.Fprintf(&b, "Consumption: %s\n", formatWatts(n.ConsumptionWatts))
	writeForecast(&b, n.ForecastData)
	if n.Savings.SavedKWh > 0 {
		fmt.Fprintf(&b, "Solar forecast saved %.2f kWh (£%.2f) of grid charging\n", n.Savings.SavedKWh, n.Savings.SavedCost)
	}
	if n.Rationale != "" {
		fmt.Fprintf(&b, "\nBECAUSE %s\n", n.Rationale)
	}
	return Message{Subject: subject, Body: b.String()}
}

// StopMessage renders a StopNotice. Each report field renders independently
// and a missing one is shown as Unknown, never as zero.
func StopMessage(n types.StopNotice) Message {
	r := n.Report
	var parts []string
	if r.EnergyKWh != nil {
		parts = append(parts, formatKWh(r.EnergyKWh))
	}
	if r.SOCIncreasePct != nil {
		parts = append(parts, signedPct(*r.SOCIncreasePct))
	}
	if r.EstimatedCost != nil {
		parts = append(parts, formatCost(r.EstimatedCost))
	}
	subject := "Battery Charging Stopped - Details Unknown"
	if len(parts) > 0 {
		subject = "Battery Charging Stopped - " + strings.Join(parts, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Battery charging has been turned OFF at %s\n", formatTime(n.Time))
	if n.SessionStart != nil {
		fmt.Fprintf(&b, "Session started: %s (%s)\n", formatTime(*n.SessionStart), n.Time.Sub(*n.SessionStart).Round(time.Minute))
	}
	fmt.Fprintf(&b, "Total kWh charged: %s\n", formatKWh(r.EnergyKWh))
	fmt.Fprintf(&b, "SOC increase: %s\n", formatPctPtr(r.SOCIncreasePct))
	fmt.Fprintf(&b, "Estimated cost: %s\n", formatCost(r.EstimatedCost))
	writeForecast(&b, n.ForecastData)
	if n.Rationale != "" {
		fmt.Fprintf(&b, "\nBECAUSE %s\n", n.Rationale)
	}
	return Message{Subject: subject, Body: b.String()}
}

// AnomalyMessage renders an Anomaly. Secrets from the environment are
// redacted from the details.
func AnomalyMessage(a types.Anomaly) Message {
	title, ok := anomalyTitles[a.Kind]
	if !ok {
		title = "GridCharge Error"
	}
	host, _ := os.Hostname()

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", title)
	fmt.Fprintf(&b, "Time: %s\n", formatTime(a.Time))
	fmt.Fprintf(&b, "Kind: %s\n", a.Kind)
	if host != "" {
		fmt.Fprintf(&b, "Host: %s\n", host)
	}
	if a.Details != "" {
		fmt.Fprintf(&b, "\nDetails:\n%s\n", Redact(a.Details))
	}
	b.WriteString("\n---\nThis is an automated alert from GridCharge.")
	return Message{Subject: "GridCharge Alert - " + string(a.Kind), Body: b.String()}
}

const redacted = "[REDACTED]"

// minSecretLen avoids redacting short values like "1" that would mangle
// unrelated text.
const minSecretLen = 4

func isSecretName(name string) bool {
	name = strings.ToUpper(name)
	return strings.Contains(name, "PASS") || strings.Contains(name, "SECRET") || strings.Contains(name, "TOKEN")
}

// Redact replaces the values of secret environment variables in s.
func Redact(s string) string {
	return redactWith(s, os.Environ())
}

func redactWith(s string, environ []string) string {
	var secrets []string
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !isSecretName(name) || len(value) < minSecretLen {
			continue
		}
		secrets = append(secrets, value)
	}
	// longest first so a secret containing another is replaced whole
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })
	for _, v := range secrets {
		s = strings.ReplaceAll(s, v, redacted)
	}
	return s
}
