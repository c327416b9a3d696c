package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemberData_UsernameFor(t *testing.T) {
	m := &MemberData{Identities: []MemberIdentity{
		{Platform: "github", Type: MemberIdentityUsername, Value: "alice"},
		{Platform: "github", Type: MemberIdentityEmail, Value: "alice@example.com", Verified: true},
		{Platform: "discourse", Type: MemberIdentityUsername, Value: "alice_d"},
	}}

	username, ok := m.UsernameFor("github")
	assert.True(t, ok)
	assert.Equal(t, "alice", username)

	_, ok = m.UsernameFor("slack")
	assert.False(t, ok)

	m.Identities = append(m.Identities, MemberIdentity{Platform: "github", Type: MemberIdentityUsername, Value: "alice2"})
	_, ok = m.UsernameFor("github")
	assert.False(t, ok, "ambiguous username must not resolve")

	var nilData *MemberData
	_, ok = nilData.UsernameFor("github")
	assert.False(t, ok)
}

func TestMemberData_VerifiedEmails(t *testing.T) {
	m := &MemberData{Identities: []MemberIdentity{
		{Platform: "github", Type: MemberIdentityEmail, Value: "a@example.com", Verified: true},
		{Platform: "github", Type: MemberIdentityEmail, Value: "b@example.com"},
		{Platform: "git", Type: MemberIdentityEmail, Value: "c@example.com", Verified: true},
	}}

	assert.Equal(t, []string{"a@example.com", "c@example.com"}, m.VerifiedEmails())
}

func TestActivityUpdate_IsEmpty(t *testing.T) {
	u := ActivityUpdate{}
	assert.True(t, u.IsEmpty())

	url := "https://github.com/crowd/crowd/pull/1"
	u.URL = &url
	assert.False(t, u.IsEmpty())
}
