package legacy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/futureweb/gomemcache/errors"
)

func notImplemented(h *Handle, function string) error {
	logger := getLogger()
	if h == nil {
		h = Default()
	}
	if h != nil && h.logger != nil {
		logger = h.logger
	}
	logger.Warn(
		"Memcache function is not implemented",
		zap.String("function", function))
	return errors.Wrapf(ErrNotImplemented, "%s is not implemented", function)
}

// PConnect always fails.  Connections are pooled by every handle; use
// Connect.
func PConnect(
	ctx context.Context,
	host string,
	port int,
	timeout time.Duration) (*Handle, error) {

	return nil, notImplemented(nil, "PConnect")
}

// SetCompressThreshold always fails.  Values are stored as given.
func SetCompressThreshold(h *Handle, threshold int, minSavings float64) error {
	return notImplemented(h, "SetCompressThreshold")
}

func Debug(enabled bool) error {
	return notImplemented(nil, "Debug")
}

// SetServerParams always fails.  Pool parameters are fixed when the handle
// is opened.
func SetServerParams(
	h *Handle,
	host string,
	port int,
	timeout time.Duration,
	retryInterval time.Duration,
	online bool) error {

	return notImplemented(h, "SetServerParams")
}

// GetServerStatus always fails.  Use Handle.Client().Servers() for the
// health of each server.
func GetServerStatus(h *Handle, host string, port int) (bool, error) {
	return false, notImplemented(h, "GetServerStatus")
}

// A Feature names a part of the procedural API.
type Feature string

const (
	FeatureConnect          Feature = "connect"
	FeaturePConnect         Feature = "pconnect"
	FeatureAddServer        Feature = "add_server"
	FeatureGet              Feature = "get"
	FeatureSet              Feature = "set"
	FeatureAdd              Feature = "add"
	FeatureReplace          Feature = "replace"
	FeatureDelete           Feature = "delete"
	FeatureIncrement        Feature = "increment"
	FeatureDecrement        Feature = "decrement"
	FeatureFlush            Feature = "flush"
	FeatureClose            Feature = "close"
	FeatureGetStats         Feature = "get_stats"
	FeatureGetExtendedStats Feature = "get_extended_stats"
	FeatureGetVersion       Feature = "get_version"
	FeatureGetServerStatus  Feature = "get_server_status"
	FeatureCompression      Feature = "compression"
	FeatureDebug            Feature = "debug"
	FeatureServerParams     Feature = "server_params"
)

var supported = map[Feature]bool{
	FeatureConnect:          true,
	FeatureAddServer:        true,
	FeatureGet:              true,
	FeatureSet:              true,
	FeatureAdd:              true,
	FeatureReplace:          true,
	FeatureDelete:           true,
	FeatureIncrement:        true,
	FeatureDecrement:        true,
	FeatureFlush:            true,
	FeatureClose:            true,
	FeatureGetStats:         true,
	FeatureGetExtendedStats: true,
	FeatureGetVersion:       true,
}

// Supports reports whether feature is implemented.  Unknown features are
// not supported.
func Supports(feature Feature) bool {
	return supported[feature]
}
