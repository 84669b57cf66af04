package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptSecretsRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()

	password := "correct-horse-battery"
	secrets := map[string]string{
		"ANTHROPIC_API_KEY":    "sk-ant-live123",
		"OPENAI_API_KEY":       "sk-openai-live",
		"GOOGLE_GENAI_API_KEY": "AIza-live",
	}

	if err := EncryptSecretsFile(tmpDir, password, secrets); err != nil {
		t.Fatalf("Failed to encrypt secrets: %v", err)
	}

	secretsPath := filepath.Join(tmpDir, SecretsFileName)
	info, err := os.Stat(secretsPath)
	if err != nil {
		t.Fatalf("Failed to stat secrets file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected file permissions 0600, got %04o", info.Mode().Perm())
	}

	decrypted, err := DecryptSecretsFile(tmpDir, password)
	if err != nil {
		t.Fatalf("Failed to decrypt secrets: %v", err)
	}
	if len(decrypted) != len(secrets) {
		t.Errorf("Expected %d secrets, got %d", len(secrets), len(decrypted))
	}
	for key, expectedValue := range secrets {
		if actualValue := decrypted[key]; actualValue != expectedValue {
			t.Errorf("Secret %s: expected %q, got %q", key, expectedValue, actualValue)
		}
	}
}

func TestDecryptWithWrongPassword(t *testing.T) {
	tmpDir := t.TempDir()

	if err := EncryptSecretsFile(tmpDir, "right", map[string]string{"OPENAI_API_KEY": "x"}); err != nil {
		t.Fatalf("Failed to encrypt secrets: %v", err)
	}

	_, err := DecryptSecretsFile(tmpDir, "wrong")
	if !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("Expected ErrWrongPassword, got %v", err)
	}
}

func TestDecryptCorruptedFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, SecretsFileName)
	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := DecryptSecretsFile(tmpDir, "pw"); err == nil {
		t.Fatal("Expected error for truncated secrets file")
	}
}

func TestDecryptFixesPermissions(t *testing.T) {
	tmpDir := t.TempDir()
	if err := EncryptSecretsFile(tmpDir, "pw", map[string]string{"A": "b"}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(tmpDir, SecretsFileName)
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := DecryptSecretsFile(tmpDir, "pw"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected permissions to be reset to 0600, got %04o", info.Mode().Perm())
	}
}

func TestGetSecretPrecedence(t *testing.T) {
	t.Setenv("STORYFORGE_TEST_SECRET", "from-env")
	defer SetDecryptedSecrets(nil)

	value, err := GetSecret("STORYFORGE_TEST_SECRET")
	if err != nil || value != "from-env" {
		t.Fatalf("Expected env value, got %q (%v)", value, err)
	}

	SetSecret("STORYFORGE_TEST_SECRET", "from-file")
	value, err = GetSecret("STORYFORGE_TEST_SECRET")
	if err != nil || value != "from-file" {
		t.Fatalf("Expected secrets-file value to win, got %q (%v)", value, err)
	}

	DeleteSecret("STORYFORGE_TEST_SECRET")
	value, _ = GetSecret("STORYFORGE_TEST_SECRET")
	if value != "from-env" {
		t.Errorf("Expected env fallback after delete, got %q", value)
	}

	if _, err := GetSecret("STORYFORGE_DOES_NOT_EXIST"); err == nil {
		t.Error("Expected error for missing secret")
	}
}

func TestSaveAndLoadSecretsFile(t *testing.T) {
	tmpDir := t.TempDir()
	defer SetDecryptedSecrets(nil)

	SetDecryptedSecrets(nil)
	SetSecret("OPENAI_API_KEY", "sk-live-openai")
	SetSecret("ANTHROPIC_API_KEY", "sk-ant-live")
	if err := SaveSecretsToFile(tmpDir, "pw"); err != nil {
		t.Fatalf("SaveSecretsToFile: %v", err)
	}
	if !SecretsFileExists(tmpDir) {
		t.Fatal("Expected secrets file to exist")
	}

	SetDecryptedSecrets(nil)
	if err := LoadSecretsFile(tmpDir, "pw"); err != nil {
		t.Fatalf("LoadSecretsFile: %v", err)
	}

	names := GetDecryptedSecretNames()
	if len(names) != 2 || names[0] != "ANTHROPIC_API_KEY" || names[1] != "OPENAI_API_KEY" {
		t.Errorf("Unexpected secret names: %v", names)
	}
}
