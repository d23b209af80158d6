package ess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/gridcharge/pkg/common"
	"github.com/raterudder/gridcharge/pkg/log"
	"github.com/raterudder/gridcharge/pkg/types"
)

// ErrAuthorizationPending means the plant owner hasn't yet accepted the
// access request email sent by the SMA API.
var ErrAuthorizationPending = errors.New("sma api access is pending owner approval")

const smaBatteryInverterType = "Battery Inverter"

// SMACloud implements System with the SMA monitoring API for the state of
// charge. The API is read-only so switching force charging, and any readings
// the API doesn't have, come from the configured scripts.
type SMACloud struct {
	client         *http.Client
	tokenURL       string
	bcAuthorizeURL string
	baseURL        string
	clientID       string
	clientSecret   string
	ownerEmail     string
	script         *Script

	mu          sync.Mutex
	tokenStr    string
	tokenExpiry time.Time
	authorized  bool
	deviceID    string
}

func configuredSMACloud(script *Script) *SMACloud {
	clientID := lflag.String("sma-client-id", "", "SMA API client id")
	clientSecret := lflag.String("sma-client-secret", "", "SMA API client secret")
	ownerEmail := lflag.String("sma-owner-email", "", "Email of the plant owner who approves API access")

	s := newSMACloud(script)

	lflag.Do(func() {
		s.clientID = *clientID
		s.clientSecret = *clientSecret
		s.ownerEmail = *ownerEmail
	})

	return s
}

func newSMACloud(script *Script) *SMACloud {
	return &SMACloud{
		client:         common.HTTPClient(time.Minute),
		tokenURL:       "https://auth.smaapis.de/oauth2/token",
		bcAuthorizeURL: "https://async-auth.smaapis.de/oauth2/v2/bc-authorize",
		baseURL:        "https://monitoring.smaapis.de",
		script:         script,
	}
}

// Validate checks the API credentials and the charge command.
func (s *SMACloud) Validate() error {
	if s.clientID == "" || s.clientSecret == "" {
		return errors.New("sma-client-id and sma-client-secret are required")
	}
	if s.ownerEmail == "" {
		return errors.New("sma-owner-email is required")
	}
	if s.script == nil || s.script.chargeCmd == "" {
		return errors.New("ess-charge-command is required, the sma api cannot switch charging")
	}
	return nil
}

type smaTokenResult struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type smaAuthorizeResult struct {
	State string `json:"state"`
}

type smaPlantsResult struct {
	Plants []struct {
		PlantID string `json:"plantId"`
		Name    string `json:"name"`
	} `json:"plants"`
}

type smaDevicesResult struct {
	Devices []struct {
		DeviceID string `json:"deviceId"`
		Type     string `json:"type"`
		Name     string `json:"name"`
	} `json:"devices"`
}

type smaMeasurementsResult struct {
	Set []struct {
		Time                 string   `json:"time"`
		BatteryStateOfCharge *float64 `json:"batteryStateOfCharge"`
	} `json:"set"`
}

// GetTelemetry reads the battery state of charge from the API and fills in
// the rest from the telemetry command, if one is configured.
func (s *SMACloud) GetTelemetry(ctx context.Context) (types.Telemetry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLogin(ctx); err != nil {
		return types.Telemetry{}, err
	}
	if s.deviceID == "" {
		id, err := s.getBatteryInverterID(ctx)
		if err != nil {
			return types.Telemetry{}, fmt.Errorf("failed to find battery inverter: %w", err)
		}
		log.Ctx(ctx).InfoContext(ctx, "automatically selected battery inverter", slog.String("deviceID", id))
		s.deviceID = id
	}

	req, err := s.newGetRequest(ctx, "v1/devices/"+url.PathEscape(s.deviceID)+"/measurements/sets/EnergyAndPowerBattery/Recent")
	if err != nil {
		return types.Telemetry{}, err
	}
	var m smaMeasurementsResult
	if err := s.doRequest(req, &m); err != nil {
		return types.Telemetry{}, fmt.Errorf("failed to get battery measurements: %w", err)
	}

	t := types.Telemetry{Timestamp: time.Now()}
	if len(m.Set) > 0 {
		t.StateOfChargePct = m.Set[0].BatteryStateOfCharge
	}
	if t.StateOfChargePct == nil {
		log.Ctx(ctx).WarnContext(ctx, "sma measurements missing state of charge", slog.Int("sets", len(m.Set)))
	}

	if s.script != nil && s.script.telemetryCmd != "" {
		extra, err := s.script.GetTelemetry(ctx)
		if err != nil {
			// the state of charge alone is still usable
			log.Ctx(ctx).WarnContext(ctx, "telemetry command failed", slog.Any("error", err))
		} else {
			t = mergeTelemetry(t, extra)
		}
	}
	return t, nil
}

// SetForceCharge runs the charge command.
func (s *SMACloud) SetForceCharge(ctx context.Context, on bool) error {
	return s.script.SetForceCharge(ctx, on)
}

// ensureLogin fetches a new token when the cached one expired and makes sure
// the owner has approved access.
func (s *SMACloud) ensureLogin(ctx context.Context) error {
	if s.tokenStr == "" || time.Now().After(s.tokenExpiry) {
		if err := s.login(ctx); err != nil {
			return fmt.Errorf("failed to login: %w", err)
		}
	}
	if !s.authorized {
		if err := s.authorize(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *SMACloud) login(ctx context.Context) error {
	data := url.Values{}
	data.Set("client_id", s.clientID)
	data.Set("client_secret", s.clientSecret)
	data.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, "POST", s.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := common.CheckResponse(resp); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "sma token request failed", slog.Any("error", err))
		return err
	}

	var res smaTokenResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}
	if res.AccessToken == "" {
		return errors.New("token response missing access_token")
	}
	expiresIn := time.Duration(res.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = 5 * time.Minute
	}
	s.tokenStr = res.AccessToken
	// refresh a little early so a token never expires mid cycle
	s.tokenExpiry = time.Now().Add(expiresIn - expiresIn/10)
	log.Ctx(ctx).DebugContext(ctx, "sma login success", slog.Duration("expiresIn", expiresIn))
	return nil
}

// authorize asks for access to the owner's plants. The first time this
// emails the owner and returns ErrAuthorizationPending until they accept.
func (s *SMACloud) authorize(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"loginHint": s.ownerEmail})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", s.bcAuthorizeURL, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var res smaAuthorizeResult
	if err := s.doRequest(req, &res); err != nil {
		return fmt.Errorf("failed to authorize: %w", err)
	}
	switch res.State {
	case "Accepted":
		s.authorized = true
		return nil
	case "Pending":
		log.Ctx(ctx).InfoContext(ctx, "sma api access pending, check the owner's email to grant access", slog.String("ownerEmail", s.ownerEmail))
		return ErrAuthorizationPending
	default:
		return fmt.Errorf("unknown sma authorization state: %q", res.State)
	}
}

func (s *SMACloud) getBatteryInverterID(ctx context.Context) (string, error) {
	req, err := s.newGetRequest(ctx, "v1/plants")
	if err != nil {
		return "", err
	}
	var plants smaPlantsResult
	if err := s.doRequest(req, &plants); err != nil {
		return "", fmt.Errorf("failed to list plants: %w", err)
	}
	if len(plants.Plants) == 0 || plants.Plants[0].PlantID == "" {
		return "", errors.New("no plants found")
	}
	// only one plant is supported
	plantID := plants.Plants[0].PlantID

	req, err = s.newGetRequest(ctx, "v1/plants/"+url.PathEscape(plantID)+"/devices")
	if err != nil {
		return "", err
	}
	var devices smaDevicesResult
	if err := s.doRequest(req, &devices); err != nil {
		return "", fmt.Errorf("failed to list devices: %w", err)
	}
	for _, d := range devices.Devices {
		if d.Type == smaBatteryInverterType {
			return d.DeviceID, nil
		}
	}
	return "", fmt.Errorf("plant %s has no %s", plantID, smaBatteryInverterType)
}

func (s *SMACloud) newGetRequest(ctx context.Context, endpoint string) (*http.Request, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	return http.NewRequestWithContext(ctx, "GET", u.String(), nil)
}

func (s *SMACloud) doRequest(req *http.Request, dest interface{}) error {
	// we try up to 2 times because we might have an expired token
	for i := 0; i < 2; i++ {
		req.Header.Set("Authorization", "Bearer "+s.tokenStr)
		if i > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return err
			}
			req.Body = body
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized && i == 0 {
			log.Ctx(req.Context()).DebugContext(req.Context(), "sma token expired")
			if err := s.login(req.Context()); err != nil {
				return err
			}
			continue
		}
		if err := common.CheckResponse(resp); err != nil {
			log.Ctx(req.Context()).ErrorContext(req.Context(), "sma api error", slog.String("url", req.URL.String()), slog.Any("error", err))
			return err
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if dest != nil {
			if err := json.Unmarshal(body, dest); err != nil {
				log.Ctx(req.Context()).ErrorContext(req.Context(), "failed to decode sma response", slog.Any("error", err), slog.String("body", truncate(string(body), 512)))
				return fmt.Errorf("failed to decode sma response: %w", err)
			}
		}
		return nil
	}
	return errors.New("sma request unauthorized after login")
}
