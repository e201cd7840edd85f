package twilio

import (
	"context"
	"regexp"
	"strings"

	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/transports"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

var e164Re = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places outbound calls whose audio is streamed back to the gateway
// for transcription.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

func (d *Dialer) Dial(ctx context.Context, to, from, url string) (string, error) {
	return d.DialWithOptions(ctx, to, from, url, transports.DialOptions{})
}

// DialWithOptions creates the call. Without a url the call fetches TwiML from
// the voice webhook, or carries it inline when opts.InlineStream is set.
// Completion is always reported to the status callback so the gateway can
// close the matching stream.
func (d *Dialer) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	to, from = normalizeParty(to), normalizeParty(from)
	if !validParty(to) || !validParty(from) {
		return "", errorsx.Errorf(errorsx.ReasonDial, "invalid to/from %q -> %q", from, to)
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errorsx.New(errorsx.ReasonDial, "missing twilio credentials")
	}

	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	switch {
	case url != "":
		params.SetUrl(url)
	case opts.InlineStream:
		if d.cfg.PublicURL == "" {
			return "", errorsx.New(errorsx.ReasonDial, "inline stream needs public_url")
		}
		params.SetTwiml(streamTwiML("wss://"+normalizePublicURL(d.cfg.PublicURL)+d.cfg.StreamPath, d.cfg.VoiceGreeting))
	default:
		params.SetUrl(webhookURL(d.cfg, d.cfg.VoicePath))
	}
	if digits := strings.TrimSpace(opts.SendDigits); digits != "" {
		params.SetSendDigits(digits)
	}
	if opts.RingTimeoutSec > 0 {
		params.SetTimeout(opts.RingTimeoutSec)
	}
	statusCallback := strings.TrimSpace(opts.StatusCallback)
	if statusCallback == "" {
		statusCallback = webhookURL(d.cfg, d.cfg.StatusCallbackPath)
	}
	params.SetStatusCallback(statusCallback)
	params.SetStatusCallbackEvent([]string{"completed"})

	resp, err := d.creator().CreateCall(params)
	if err != nil {
		return "", errorsx.Errorf(errorsx.ReasonDial, "create call: %w", err)
	}
	if resp == nil || resp.Sid == nil {
		return "", errorsx.New(errorsx.ReasonDial, "missing call sid")
	}
	return *resp.Sid, nil
}

func (d *Dialer) creator() callCreator {
	if d.client != nil {
		return d.client
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: d.cfg.AccountSID,
		Password: d.cfg.AuthToken,
	})
	return rest.Api
}

func normalizeParty(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "+") {
		v = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(v)
	}
	return v
}

// validParty accepts E.164 numbers plus Twilio client and SIP addresses.
func validParty(v string) bool {
	if strings.HasPrefix(v, "client:") || strings.HasPrefix(v, "sip:") {
		return len(v) > len("sip:")
	}
	return e164Re.MatchString(v)
}
