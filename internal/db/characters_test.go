package db

import (
	"testing"
	"time"
)

func TestVerifyPasswordSaltedForm(t *testing.T) {
	stored := HashPassword("Alice", "password")
	if !VerifyPassword("Alice", "password", stored) {
		t.Fatal("salted form should verify")
	}
	if !VerifyPassword("alice", "password", stored) {
		t.Fatal("name case must not matter")
	}
}

func TestVerifyPasswordBareForm(t *testing.T) {
	stored := md5Hex("mypass")
	if !VerifyPassword("bob", "mypass", stored) {
		t.Fatal("bare md5 form should verify")
	}
}

func TestVerifyPasswordWrong(t *testing.T) {
	stored := md5Hex("correct")
	if VerifyPassword("bob", "wrong", stored) {
		t.Fatal("wrong password verified")
	}
}

func TestMasterValid(t *testing.T) {
	hash := md5Hex("skeleton")
	future := time.Now().Add(time.Hour).Unix()
	past := time.Now().Add(-time.Hour).Unix()

	if !MasterValid("skeleton", hash, future) {
		t.Fatal("unexpired master should pass")
	}
	if MasterValid("skeleton", hash, past) {
		t.Fatal("expired master passed")
	}
	if MasterValid("other", hash, future) {
		t.Fatal("wrong master passed")
	}
}

func TestResetOnlineForEmptyList(t *testing.T) {
	var d *Database
	if err := d.ResetOnlineFor(nil); err != nil {
		t.Fatalf("empty id list: %v", err)
	}
}
