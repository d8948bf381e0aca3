package vault

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so the same entry list always
// produces identical plaintext bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("vault: cbor encoder initialization failed: " + err.Error())
	}
}

// vaultFile is the decrypted payload shape. Version guards future format
// changes; unknown fields are ignored on decode.
type vaultFile struct {
	Version int     `cbor:"version"`
	Entries []Entry `cbor:"entries"`
}

const fileVersion = 1

// Open unlocks the vault at path. The password decrypts scrypt-sealed vaults;
// keyfile is a path to an age identities file for x25519-sealed vaults. When
// both are supplied, key-file identities are tried alongside the password.
func Open(path, password, keyfile string) (*Vault, error) {
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVault, err)
	}

	identities, err := collectIdentities(password, keyfile)
	if err != nil {
		return nil, err
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) {
			return nil, ErrBadCredentials
		}
		return nil, fmt.Errorf("%w: %v", ErrVault, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVault, err)
	}

	var file vaultFile
	if err := cbor.Unmarshal(plaintext, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVault, err)
	}
	if file.Version != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrVault, file.Version)
	}
	return NewVault(file.Entries), nil
}

// Save seals entries to path. A password seals with a sole scrypt recipient
// (an age constraint); otherwise keyfile identities supply the x25519
// recipients.
func Save(path, password, keyfile string, entries []Entry) error {
	plaintext, err := encMode.Marshal(vaultFile{Version: fileVersion, Entries: entries})
	if err != nil {
		return fmt.Errorf("vault: encode entries: %w", err)
	}

	recipients, err := collectRecipients(password, keyfile)
	if err != nil {
		return err
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return fmt.Errorf("vault: seal: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("vault: seal: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("vault: seal: %w", err)
	}
	return os.WriteFile(path, ciphertext.Bytes(), 0o600)
}

func collectIdentities(password, keyfile string) ([]age.Identity, error) {
	identities := make([]age.Identity, 0, 2)
	if strings.TrimSpace(keyfile) != "" {
		data, err := os.ReadFile(keyfile)
		if err != nil {
			return nil, fmt.Errorf("%w: key file: %v", ErrBadCredentials, err)
		}
		parsed, err := age.ParseIdentities(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: key file: %v", ErrBadCredentials, err)
		}
		identities = append(identities, parsed...)
	}
	if password != "" {
		identity, err := age.NewScryptIdentity(password)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadCredentials, err)
		}
		identities = append(identities, identity)
	}
	if len(identities) == 0 {
		return nil, ErrNoCredentials
	}
	return identities, nil
}

func collectRecipients(password, keyfile string) ([]age.Recipient, error) {
	if password != "" {
		recipient, err := age.NewScryptRecipient(password)
		if err != nil {
			return nil, fmt.Errorf("vault: seal: %w", err)
		}
		return []age.Recipient{recipient}, nil
	}
	if strings.TrimSpace(keyfile) == "" {
		return nil, ErrNoCredentials
	}
	data, err := os.ReadFile(keyfile)
	if err != nil {
		return nil, fmt.Errorf("vault: key file: %w", err)
	}
	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("vault: key file: %w", err)
	}
	recipients := make([]age.Recipient, 0, len(identities))
	for _, identity := range identities {
		x, ok := identity.(*age.X25519Identity)
		if !ok {
			return nil, fmt.Errorf("vault: key file: unsupported identity type %T", identity)
		}
		recipients = append(recipients, x.Recipient())
	}
	if len(recipients) == 0 {
		return nil, ErrNoCredentials
	}
	return recipients, nil
}
