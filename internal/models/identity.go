package models

import "time"

// HandleLength is the exact length of a public handle.
const HandleLength = 8

// AvatarPalette lists the colors an identity may carry.
var AvatarPalette = []string{
	"#EF4444",
	"#F59E0B",
	"#10B981",
	"#3B82F6",
	"#6366F1",
	"#8B5CF6",
	"#EC4899",
	"#14B8A6",
}

// IsPaletteColor reports whether color is one of AvatarPalette.
func IsPaletteColor(color string) bool {
	for _, c := range AvatarPalette {
		if c == color {
			return true
		}
	}
	return false
}

// Identity is the profile row of an account.
type Identity struct {
	ID          string    `db:"id" json:"id"`
	DisplayName string    `db:"display_name" json:"display_name"`
	Handle      string    `db:"handle" json:"handle"`
	AvatarColor string    `db:"avatar_color" json:"avatar_color"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// IdentitySummary is what a handle lookup reveals.
type IdentitySummary struct {
	ID          string `db:"id" json:"identity_id"`
	DisplayName string `db:"display_name" json:"display_name"`
}

// Profile is the public part of an identity shown next to a contact.
type Profile struct {
	DisplayName string `json:"display_name"`
	Handle      string `json:"handle"`
	AvatarColor string `json:"avatar_color"`
}

// PlaceholderProfile stands in for a peer whose profile could not be loaded.
var PlaceholderProfile = Profile{
	DisplayName: "Unknown user",
	Handle:      "--------",
	AvatarColor: "#9CA3AF",
}

// ProfileOf extracts the public profile of an identity.
func ProfileOf(id Identity) Profile {
	return Profile{DisplayName: id.DisplayName, Handle: id.Handle, AvatarColor: id.AvatarColor}
}
