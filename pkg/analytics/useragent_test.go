package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectDeviceType(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want DeviceType
	}{
		{"iphone", "Mozilla/5.0 (iPhone; CPU iPhone OS 15_0)", DeviceMobile},
		{"android phone", "Mozilla/5.0 (Linux; Android 12; Pixel 6) Mobile", DeviceMobile},
		{"opera mini", "Opera/9.80 (J2ME/MIDP; Opera Mini/9.80)", DeviceMobile},
		{"blackberry", "BlackBerry9700/5.0.0.743", DeviceMobile},
		{"ipad", "Mozilla/5.0 (iPad; CPU OS 15_0)", DeviceTablet},
		{"kindle silk", "Mozilla/5.0 (PlayBook; U; RIM Tablet OS) Silk/3.0", DeviceTablet},
		{"windows desktop", "Mozilla/5.0 (Windows NT 10.0; Win64; x64)", DeviceDesktop},
		{"empty", "", DeviceDesktop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectDeviceType(tt.ua))
		})
	}
}

func TestDetectBrowser(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want string
	}{
		// Edge carries the Chrome token too; Edge must win.
		{"edge", "Mozilla/5.0 Chrome/120.0 Safari/537.36 Edg/120.0", "Edge"},
		{"chrome", "Mozilla/5.0 Chrome/120.0 Safari/537.36", "Chrome"},
		{"firefox", "Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/118.0", "Firefox"},
		{"safari", "Mozilla/5.0 (Macintosh) AppleWebKit/605.1.15 Version/16.0 Safari/605.1.15", "Safari"},
		{"opera", "Opera/9.80 (Windows NT 6.1) Presto/2.12.388", "Opera"},
		{"unknown", "curl/8.0.1", "Unknown"},
		{"empty", "", "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectBrowser(tt.ua))
		})
	}
}

func TestDetectOS(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want string
	}{
		{"windows", "Mozilla/5.0 (Windows NT 10.0; Win64; x64)", "Windows"},
		{"macos", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)", "macOS"},
		{"linux", "Mozilla/5.0 (X11; Linux x86_64)", "Linux"},
		{"android", "Mozilla/5.0 (Android 12; Pixel 6)", "Android"},
		{"iphone", "Mozilla/5.0 (iPhone; CPU iPhone OS 15_0)", "iOS"},
		{"unknown", "curl/8.0.1", "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectOS(tt.ua))
		})
	}
}

func TestDetectClientMemoized(t *testing.T) {
	ua := "Mozilla/5.0 (iPhone; CPU iPhone OS 15_0) Safari/605.1.15"

	first := DetectClient(ua)
	second := DetectClient(ua)
	assert.Equal(t, first, second)
	assert.Equal(t, DeviceMobile, first.DeviceType)
	assert.Equal(t, "Safari", first.Browser)
	assert.Equal(t, "iOS", first.OS)
}
