package pacer

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/oriys/quasar/internal/protocol"
)

// Client identity tables. Tuples are derived from the account id so each
// account announces the same identity on every run while distinct accounts
// spread across combinations.
var (
	fingerprintDevices = []string{
		"Desktop", "MacBook Pro", "MacBook Air", "ThinkPad X1", "Surface Pro",
		"iMac", "Dell XPS", "HP EliteBook", "Mac mini", "ASUS ZenBook",
	}
	fingerprintBrowsers = []string{
		"Chrome", "Firefox", "Safari", "Edge", "Opera", "Brave",
	}
)

// Fingerprint derives the stable client-identity tuple for an account.
// The version component folds in more hash bits so two accounts landing on
// the same device/browser pair still differ.
func Fingerprint(accountID string) protocol.Fingerprint {
	sum := sha256.Sum256([]byte("quasar-client-identity:" + accountID))
	device := fingerprintDevices[int(sum[0])%len(fingerprintDevices)]
	browser := fingerprintBrowsers[int(sum[1])%len(fingerprintBrowsers)]
	major := 110 + int(sum[2])%18
	build := binary.BigEndian.Uint16(sum[3:5])
	patch := binary.BigEndian.Uint16(sum[5:7])
	return protocol.Fingerprint{
		DeviceLabel: device,
		BrowserName: browser,
		Version:     fmt.Sprintf("%d.0.%d.%d", major, build, patch),
	}
}
