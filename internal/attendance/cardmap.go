package attendance

import "strings"

// CardMapper turns a presented card UID into the external student identifier
// used for the directory lookup.
type CardMapper interface {
	ExternalID(cardUID string) string
}

// IdentityMapper uses the UID verbatim.
type IdentityMapper struct{}

func (IdentityMapper) ExternalID(cardUID string) string { return cardUID }

// demoCardPrefix marks the handful of demonstration cards handed out before
// real card issuance exists.
const demoCardPrefix = "NFC"

var demoCards = map[string]string{
	"NFC001234567890": "STU001",
	"NFC001234567891": "STU002",
	"NFC001234567892": "STU003",
	"NFC001234567893": "STU004",
	"NFC001234567894": "STU005",
	"NFC001234567895": "STU006",
	"NFC001234567896": "STU007",
	"NFC001234567897": "STU008",
}

// DemoCardMapper resolves the fixed demo cards and falls back to the UID.
type DemoCardMapper struct{}

func (DemoCardMapper) ExternalID(cardUID string) string {
	if !strings.HasPrefix(cardUID, demoCardPrefix) {
		return cardUID
	}
	if id, ok := demoCards[cardUID]; ok {
		return id
	}
	return cardUID
}
