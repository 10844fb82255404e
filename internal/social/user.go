package social

import "strings"

// SocialUser is the normalized profile returned by every provider.
// An empty field means the provider did not disclose it.
type SocialUser struct {
	UserID   string `json:"user_id,omitempty"`
	Email    string `json:"email,omitempty"`
	FullName string `json:"full_name,omitempty"`
	Image    string `json:"image,omitempty"`
}

func newSocialUser(userID, email, fullName, image string) *SocialUser {
	return &SocialUser{
		UserID:   normalize(userID),
		Email:    normalize(email),
		FullName: fullName,
		Image:    normalize(image),
	}
}

// normalize trims provider identifiers and addresses. Full names are kept verbatim.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
