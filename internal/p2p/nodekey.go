package p2p

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/argon2"

	"github.com/opendex-network/opendexd/pkg/logging"
)

// Node key errors
var (
	ErrWrongPassword = errors.New("wrong node key password")
)

// nodeKeyFileName is the node identity key file under the data directory.
const nodeKeyFileName = "node.key"

// Argon2id parameters for the encrypted node key file.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 32
)

// NodeKey is the node's secp256k1 identity key. Its compressed public key
// identifies the node on the network and doubles as the libp2p identity.
type NodeKey struct {
	priv *btcec.PrivateKey
}

// GenerateNodeKey creates a fresh node key and returns the BIP-39 mnemonic
// backup of its 32-byte seed.
func GenerateNodeKey() (*NodeKey, string, error) {
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return nil, "", fmt.Errorf("failed to generate node key entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", fmt.Errorf("failed to derive mnemonic: %w", err)
	}

	priv, _ := btcec.PrivKeyFromBytes(entropy)
	return &NodeKey{priv: priv}, mnemonic, nil
}

// NodeKeyFromMnemonic restores a node key from its mnemonic backup.
func NodeKeyFromMnemonic(mnemonic string) (*NodeKey, error) {
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}
	priv, _ := btcec.PrivKeyFromBytes(entropy)
	return &NodeKey{priv: priv}, nil
}

// LoadOrCreateNodeKey loads the node key from the data directory, creating
// and saving a new one on first run. A non-empty password encrypts the key
// file at rest with Argon2id and AES-256-GCM.
func LoadOrCreateNodeKey(dataDir, password string) (*NodeKey, error) {
	keyPath := filepath.Join(dataDir, nodeKeyFileName)

	if data, err := os.ReadFile(keyPath); err == nil {
		return loadNodeKey(data, password)
	}

	key, mnemonic, err := GenerateNodeKey()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	data, err := key.marshal(password)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write node key: %w", err)
	}

	log := logging.GetDefault().Component("p2p")
	log.Info("generated new node identity", "pubkey", key.PubKeyHex())
	log.Info("write down the node key mnemonic backup", "mnemonic", mnemonic)
	return key, nil
}

// encryptedNodeKey is the on-disk form of a password-protected node key.
type encryptedNodeKey struct {
	Encrypted  bool   `json:"encrypted"`
	Salt       string `json:"salt,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
	Key        string `json:"key,omitempty"`
}

func (k *NodeKey) marshal(password string) ([]byte, error) {
	if password == "" {
		return json.MarshalIndent(encryptedNodeKey{
			Key: hex.EncodeToString(k.priv.Serialize()),
		}, "", "  ")
	}

	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	aesKey := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, k.priv.Serialize(), nil)

	return json.MarshalIndent(encryptedNodeKey{
		Encrypted:  true,
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ciphertext),
	}, "", "  ")
}

func loadNodeKey(data []byte, password string) (*NodeKey, error) {
	var stored encryptedNodeKey
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to parse node key file: %w", err)
	}

	if !stored.Encrypted {
		raw, err := hex.DecodeString(stored.Key)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("invalid node key file")
		}
		priv, _ := btcec.PrivKeyFromBytes(raw)
		return &NodeKey{priv: priv}, nil
	}

	salt, err := hex.DecodeString(stored.Salt)
	if err != nil {
		return nil, fmt.Errorf("invalid node key salt")
	}
	nonce, err := hex.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid node key nonce")
	}
	ciphertext, err := hex.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("invalid node key ciphertext")
	}

	aesKey := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	raw, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassword
	}

	priv, _ := btcec.PrivKeyFromBytes(raw)
	return &NodeKey{priv: priv}, nil
}

// PubKeyHex returns the hex-encoded 33-byte compressed public key.
func (k *NodeKey) PubKeyHex() string {
	return hex.EncodeToString(k.priv.PubKey().SerializeCompressed())
}

// Libp2pPrivKey converts the node key into a libp2p identity key, so the
// transport security handshake is bound to the node's public key.
func (k *NodeKey) Libp2pPrivKey() (crypto.PrivKey, error) {
	priv, err := crypto.UnmarshalSecp256k1PrivateKey(k.priv.Serialize())
	if err != nil {
		return nil, fmt.Errorf("failed to convert node key: %w", err)
	}
	return priv, nil
}

// PeerIDFromPubKey derives the libp2p peer id of a node from its
// hex-encoded compressed public key.
func PeerIDFromPubKey(pubKeyHex string) (peer.ID, error) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(raw) != 33 {
		return "", fmt.Errorf("invalid node pubkey %q", pubKeyHex)
	}
	pub, err := crypto.UnmarshalSecp256k1PublicKey(raw)
	if err != nil {
		return "", fmt.Errorf("invalid node pubkey: %w", err)
	}
	return peer.IDFromPublicKey(pub)
}
