package integration

import (
	"errors"
	"fmt"
	"regexp"
)

// BanReason is the text attached to a remote ban so players and server
// admins can trace it back to the report.
func BanReason(resp Response) string {
	return fmt.Sprintf("Banned via shared HLL Barricade report for %s.\n\n"+
		"Reported by %s\nContact: %s\n\n"+
		"Banned by %s\nContact: %s\n\n"+
		"More info: https://bit.ly/BarricadeBanned",
		resp.ReasonList(),
		resp.Reporter.Name, resp.Reporter.ContactURL,
		resp.Responder.Name, resp.Responder.ContactURL,
	)
}

// Player id types as named by the remote platforms.
const (
	PlayerIDSteam   = "steamID"
	PlayerIDWindows = "hllWindowsID"
)

var (
	ErrUnknownPlayerID = errors.New("integration: unknown player id type")

	reSteamID   = regexp.MustCompile(`^\d{17}$`)
	reWindowsID = regexp.MustCompile(`^[0-9a-f]{32}$`)
)

// PlayerIDType tells a 17 digit SteamID64 from a 32 character Windows
// store id.
func PlayerIDType(playerID string) (string, error) {
	switch {
	case reSteamID.MatchString(playerID):
		return PlayerIDSteam, nil
	case reWindowsID.MatchString(playerID):
		return PlayerIDWindows, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPlayerID, playerID)
}
