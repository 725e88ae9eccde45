package meshpeer

import (
	"fmt"
	"strings"

	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// DataChannelLabel is the label of the single channel opened between two
// mesh peers.
const DataChannelLabel = "mesh"

type APIOptions struct {
	// LogLevel is one of disabled, error, warn, info, debug, trace. Empty
	// means warn.
	LogLevel string
	// Net replaces the OS network stack, e.g. with a vnet for tests.
	Net transport.Net
}

func NewAPI(opts APIOptions) (*webrtc.API, error) {
	lf, err := NewLoggerFactory(opts.LogLevel)
	if err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{LoggerFactory: lf}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}

func NewLoggerFactory(level string) (logging.LoggerFactory, error) {
	lf := logging.NewDefaultLoggerFactory()
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "disabled", "off":
		lf.DefaultLogLevel = logging.LogLevelDisabled
	case "error":
		lf.DefaultLogLevel = logging.LogLevelError
	case "", "warn", "warning":
		lf.DefaultLogLevel = logging.LogLevelWarn
	case "info":
		lf.DefaultLogLevel = logging.LogLevelInfo
	case "debug":
		lf.DefaultLogLevel = logging.LogLevelDebug
	case "trace":
		lf.DefaultLogLevel = logging.LogLevelTrace
	default:
		return nil, fmt.Errorf("invalid webrtc log level %q", level)
	}
	return lf, nil
}

func validateMeshDataChannel(dc *webrtc.DataChannel) error {
	if dc.Label() != DataChannelLabel {
		return fmt.Errorf("expected label=%q (got %q)", DataChannelLabel, dc.Label())
	}
	if !dc.Ordered() {
		return fmt.Errorf("mesh datachannel must be ordered (ordered=false)")
	}
	if dc.MaxPacketLifeTime() != nil || dc.MaxRetransmits() != nil {
		return fmt.Errorf("mesh datachannel must be fully reliable")
	}
	return nil
}
