package virtiofs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
)

// driverFeatures is the set of optional feature bits this driver accepts.
// It is empty: a bit may only be added together with the code that honours
// it and an entry in featureNames.
const driverFeatures uint64 = 0

var featureNames = map[uint]string{}

// Negotiate returns the accepted subset of the device-offered features.
func Negotiate(offered uint64) uint64 {
	return offered & driverFeatures
}

// FeatureNames describes a feature bitset for logs.
func FeatureNames(features uint64) []string {
	var names []string
	for features != 0 {
		bit := uint(bits.TrailingZeros64(features))
		features &^= 1 << bit
		if name, ok := featureNames[bit]; ok {
			names = append(names, name)
		} else {
			names = append(names, fmt.Sprintf("bit%d", bit))
		}
	}
	return names
}

// virtio-fs config space. See linux/include/uapi/linux/virtio_fs.h
//
//	struct virtio_fs_config {
//	    char tag[36];
//	    __le32 num_request_queues;
//	};
const (
	configTagOffset  = 0
	configTagSize    = 36
	configNumQOffset = configTagOffset + configTagSize
	configSize       = configNumQOffset + 4
)

// DeviceConfig is the decoded device configuration space.
type DeviceConfig struct {
	Tag              string
	NumRequestQueues uint32
}

// ParseDeviceConfig decodes the raw configuration space.
func ParseDeviceConfig(raw []byte) (DeviceConfig, error) {
	if len(raw) < configSize {
		return DeviceConfig{}, fmt.Errorf("%w: config space is %d bytes, want %d", ErrNegotiationFailure, len(raw), configSize)
	}
	tag := raw[configTagOffset : configTagOffset+configTagSize]
	if i := bytes.IndexByte(tag, 0); i >= 0 {
		tag = tag[:i]
	}
	if len(tag) == 0 {
		return DeviceConfig{}, fmt.Errorf("%w: empty filesystem tag", ErrNegotiationFailure)
	}
	for _, c := range tag {
		if c < 0x20 || c > 0x7e {
			return DeviceConfig{}, fmt.Errorf("%w: filesystem tag contains byte 0x%02x", ErrNegotiationFailure, c)
		}
	}
	n := binary.LittleEndian.Uint32(raw[configNumQOffset : configNumQOffset+4])
	if n == 0 {
		return DeviceConfig{}, fmt.Errorf("%w: device has no request queues", ErrNegotiationFailure)
	}
	return DeviceConfig{Tag: string(tag), NumRequestQueues: n}, nil
}

// ReadDeviceConfig reads and decodes the configuration space of t.
func ReadDeviceConfig(t Transport) (DeviceConfig, error) {
	raw := make([]byte, configSize)
	if err := t.ReadConfig(0, raw); err != nil {
		return DeviceConfig{}, fmt.Errorf("%w: read config: %w", ErrNegotiationFailure, err)
	}
	return ParseDeviceConfig(raw)
}

// RequestQueueLimit bounds the request queues used no matter what the device
// advertises or the configuration allows.
const RequestQueueLimit = 256

// requestQueueCount applies the configured cap to the device count.
func requestQueueCount(dev DeviceConfig, cfg Config) int {
	n := int(min(dev.NumRequestQueues, RequestQueueLimit))
	if cfg.MaxRequestQueues > 0 && n > cfg.MaxRequestQueues {
		n = cfg.MaxRequestQueues
	}
	return n
}
