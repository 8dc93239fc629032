package analytics

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ClientInfo is the device classification derived from one user agent
// string.
type ClientInfo struct {
	DeviceType DeviceType
	Browser    string
	OS         string
}

// uaCache memoizes DetectClient. Agents repeat heavily within a
// deployment, so a small cache absorbs almost all lookups.
var uaCache, _ = lru.New[string, ClientInfo](1024)

// DetectClient derives device type, browser and OS from a user agent
// string. An empty agent yields desktop / Unknown / Unknown.
func DetectClient(userAgent string) ClientInfo {
	if info, ok := uaCache.Get(userAgent); ok {
		return info
	}

	info := ClientInfo{
		DeviceType: DetectDeviceType(userAgent),
		Browser:    DetectBrowser(userAgent),
		OS:         DetectOS(userAgent),
	}
	uaCache.Add(userAgent, info)
	return info
}

var mobileMarkers = []string{"mobile", "android", "iphone", "ipod", "blackberry", "iemobile", "opera mini"}

var tabletMarkers = []string{"tablet", "ipad", "playbook", "silk"}

// DetectDeviceType classifies the user agent as mobile, tablet or
// desktop. Mobile markers win over tablet markers; anything else is
// desktop.
func DetectDeviceType(userAgent string) DeviceType {
	ua := strings.ToLower(userAgent)
	for _, marker := range mobileMarkers {
		if strings.Contains(ua, marker) {
			return DeviceMobile
		}
	}
	for _, marker := range tabletMarkers {
		if strings.Contains(ua, marker) {
			return DeviceTablet
		}
	}
	return DeviceDesktop
}

// DetectBrowser names the browser. Edge is checked before Chrome
// because Edge agents also carry the Chrome token; Safari is checked
// after Chrome for the same reason.
func DetectBrowser(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "edg"):
		return "Edge"
	case strings.Contains(ua, "chrome"):
		return "Chrome"
	case strings.Contains(ua, "firefox"):
		return "Firefox"
	case strings.Contains(ua, "safari"):
		return "Safari"
	case strings.Contains(ua, "opera"):
		return "Opera"
	default:
		return "Unknown"
	}
}

// DetectOS names the operating system.
func DetectOS(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "windows"):
		return "Windows"
	case strings.Contains(ua, "mac"):
		return "macOS"
	case strings.Contains(ua, "linux"):
		return "Linux"
	case strings.Contains(ua, "android"):
		return "Android"
	case strings.Contains(ua, "ios") || strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad"):
		return "iOS"
	default:
		return "Unknown"
	}
}
