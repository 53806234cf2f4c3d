// Package platform describes what the capture host can do.
//
// A Capabilities value is resolved once (at startup for the local host, or at
// offer time for a remote browser) and passed explicitly to the components
// that need it.
package platform

import (
	"regexp"
	"runtime"
	"strings"
)

// Capabilities describes the capture platform
type Capabilities struct {
	Name string `json:"name"`

	// MediaDevices is false when no capture API is available at all
	MediaDevices bool `json:"media_devices"`

	Safari bool `json:"safari"`
	IOS    bool `json:"ios"`

	// FixedSampleRate means the processing context cannot honor a custom rate;
	// the encoder resamples from the native rate instead.
	FixedSampleRate bool `json:"fixed_sample_rate"`

	// RequiresPlaybackUnlock means the audio session has to be nudged into
	// play-and-record mode by playing silence before capture is reliable.
	RequiresPlaybackUnlock bool `json:"requires_playback_unlock"`
}

// Mode names accepted by Resolve
const (
	ModeAuto        = "auto"
	ModeDesktop     = "desktop"
	ModeSafari      = "safari"
	ModeIOS         = "ios"
	ModeUnsupported = "unsupported"
)

// Detect returns the capabilities of the local host
func Detect() Capabilities {
	switch runtime.GOOS {
	case "linux", "darwin", "windows", "freebsd", "netbsd", "openbsd":
		return Desktop(runtime.GOOS)
	case "ios":
		return iOS("ios")
	default:
		return Unsupported(runtime.GOOS)
	}
}

// Resolve returns capabilities for a configured mode. "auto" or "" detects.
func Resolve(mode string) Capabilities {
	switch strings.ToLower(mode) {
	case ModeDesktop:
		return Desktop(runtime.GOOS)
	case ModeSafari:
		return safari("safari")
	case ModeIOS:
		return iOS("ios")
	case ModeUnsupported:
		return Unsupported("unsupported")
	default:
		return Detect()
	}
}

// Desktop returns capabilities of a regular desktop capture host
func Desktop(name string) Capabilities {
	return Capabilities{
		Name:         name,
		MediaDevices: true,
	}
}

// Unsupported returns capabilities of a host without capture APIs
func Unsupported(name string) Capabilities {
	return Capabilities{Name: name}
}

func safari(name string) Capabilities {
	return Capabilities{
		Name:            name,
		MediaDevices:    true,
		Safari:          true,
		FixedSampleRate: true,
	}
}

func iOS(name string) Capabilities {
	return Capabilities{
		Name:                   name,
		MediaDevices:           true,
		Safari:                 true,
		IOS:                    true,
		FixedSampleRate:        true,
		RequiresPlaybackUnlock: true,
	}
}

var iosUA = regexp.MustCompile(`(?i)iphone|ipad|ipod`)

// FromUserAgent classifies a browser from its User-Agent header.
// Every browser on iOS runs on WebKit, so iOS wins over the Safari check.
func FromUserAgent(ua string) Capabilities {
	switch {
	case ua == "":
		return Desktop("browser")
	case iosUA.MatchString(ua):
		return iOS("ios")
	case isSafari(ua):
		return safari("safari")
	default:
		return Desktop("browser")
	}
}

// isSafari reports a Safari UA that is not Chrome or Android.
// Go's regexp has no lookahead, so the negative match is done by hand.
func isSafari(ua string) bool {
	l := strings.ToLower(ua)
	if !strings.Contains(l, "safari") {
		return false
	}
	prefix := l[:strings.Index(l, "safari")]
	return !strings.Contains(prefix, "chrome") && !strings.Contains(prefix, "android")
}
