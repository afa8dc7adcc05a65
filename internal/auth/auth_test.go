package auth

import "testing"

func TestDerive_Deterministic(t *testing.T) {
	secret1, challenge1 := Derive("alice", []byte("pw"), TypeTwo)
	secret2, challenge2 := Derive("alice", []byte("pw"), TypeTwo)

	if secret1 != secret2 {
		t.Fatal("secret derivation should be deterministic")
	}
	if challenge1 != challenge2 {
		t.Fatal("challenge derivation should be deterministic")
	}
}

func TestDerive_LoginChangesChallenge(t *testing.T) {
	_, a := Derive("alice", []byte("pw"), TypeTwo)
	_, b := Derive("bob", []byte("pw"), TypeTwo)
	if a == b {
		t.Fatal("different logins must produce different challenges")
	}
}

func TestDerive_TypeChangesChallenge(t *testing.T) {
	_, one := Derive("", []byte("pw"), TypeOne)
	_, two := Derive("", []byte("pw"), TypeTwo)
	if one == two {
		t.Fatal("auth-type must be part of the domain separation")
	}
}

func TestTable_GetAuthMatchesDerivedSecret(t *testing.T) {
	table := NewTable()
	login := "alice"
	table.AddUser([]byte("hunter2"), &login, nil)

	_, challenge := Derive("alice", []byte("hunter2"), TypeTwo)
	user, ok := table.GetAuth(challenge)
	if !ok {
		t.Fatal("expected type-two lookup to succeed")
	}

	wantSecret, _ := Derive("alice", []byte("hunter2"), TypeTwo)
	if user.Secret != wantSecret {
		t.Fatal("stored secret must equal the secret returned alongside the challenge")
	}
	if user.Login != "alice" {
		t.Fatalf("got login %q, want alice", user.Login)
	}
}

func TestTable_AddUserWithLoginAlsoRegistersTypeOne(t *testing.T) {
	table := NewTable()
	login := "alice"
	table.AddUser([]byte("hunter2"), &login, nil)

	_, typeOneChallenge := Derive("", []byte("hunter2"), TypeOne)
	user, ok := table.GetAuth(typeOneChallenge)
	if !ok {
		t.Fatal("expected type-one fallback entry for a user registered with a login")
	}
	if user.Login != "alice" {
		t.Fatalf("got login %q, want alice", user.Login)
	}
}

func TestTable_AddUserWithoutLoginOmitsTypeOne(t *testing.T) {
	table := NewTable()
	table.AddUser([]byte("hunter2"), nil, nil)

	_, typeOneChallenge := Derive("", []byte("hunter2"), TypeOne)
	if _, ok := table.GetAuth(typeOneChallenge); ok {
		t.Fatal("no login was given: a type-one entry should not exist under the empty-login derivation")
	}
}

func TestTable_AnonymousDisplayNameCountsPriorEntries(t *testing.T) {
	table := NewTable()
	table.AddUser([]byte("pw1"), nil, nil)
	table.AddUser([]byte("pw2"), nil, nil)

	_, challenge := Derive("", []byte("pw2"), TypeTwo)
	user, ok := table.GetAuth(challenge)
	if !ok {
		t.Fatal("expected second anonymous entry to be retrievable")
	}
	if user.Login != "Anon #1" {
		t.Fatalf("got display name %q, want Anon #1", user.Login)
	}
}

func TestTable_GetAuthMiss(t *testing.T) {
	table := NewTable()
	var bogus Challenge
	if _, ok := table.GetAuth(bogus); ok {
		t.Fatal("lookup of an unregistered challenge must miss")
	}
}

func TestTable_RestrictedIPStored(t *testing.T) {
	table := NewTable()
	login := "alice"
	var restrict [16]byte
	restrict[0] = 0xfc
	restrict[1] = 0x11
	table.AddUser([]byte("pw"), &login, &restrict)

	_, challenge := Derive("alice", []byte("pw"), TypeTwo)
	user, ok := table.GetAuth(challenge)
	if !ok {
		t.Fatal("expected lookup to succeed")
	}
	if user.RestrictedTo == nil || *user.RestrictedTo != restrict {
		t.Fatal("restricted address should round-trip through AddUser")
	}
}
