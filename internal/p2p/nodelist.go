package p2p

import (
	"errors"
	"sync"
	"time"

	"github.com/opendex-network/opendexd/internal/storage"
	"github.com/opendex-network/opendexd/pkg/logging"
)

// Node list errors
var (
	ErrNodeBanned    = errors.New("node is banned")
	ErrNodeNotBanned = errors.New("node is not banned")
)

// banThreshold is the reputation score at or below which a node is
// automatically banned.
const banThreshold = -50

// ReputationEvent is an observable peer behavior with a score delta.
type ReputationEvent int

// Reputation events.
const (
	ReputationSwapSuccess ReputationEvent = iota
	ReputationSwapFailure
	ReputationSwapTimeout
	ReputationSwapAbuse
	ReputationMalformedPacket
	ReputationWireError
	ReputationInvalidOrder
)

func (e ReputationEvent) delta() int {
	switch e {
	case ReputationSwapSuccess:
		return 1
	case ReputationSwapFailure:
		return -10
	case ReputationSwapTimeout:
		return -15
	case ReputationSwapAbuse:
		return -100
	case ReputationMalformedPacket:
		return -20
	case ReputationWireError:
		return -5
	case ReputationInvalidOrder:
		return -5
	default:
		return 0
	}
}

func (e ReputationEvent) String() string {
	switch e {
	case ReputationSwapSuccess:
		return "swapSuccess"
	case ReputationSwapFailure:
		return "swapFailure"
	case ReputationSwapTimeout:
		return "swapTimeout"
	case ReputationSwapAbuse:
		return "swapAbuse"
	case ReputationMalformedPacket:
		return "malformedPacket"
	case ReputationWireError:
		return "wireError"
	case ReputationInvalidOrder:
		return "invalidOrder"
	default:
		return "unknown"
	}
}

// NodeList is the persistent address, reputation, and ban book for all
// nodes ever seen. Bans stick until an explicit unban.
type NodeList struct {
	store *storage.Storage
	log   *logging.Logger
	mu    sync.Mutex
}

// NewNodeList creates a node list over the given store.
func NewNodeList(store *storage.Storage) *NodeList {
	return &NodeList{
		store: store,
		log:   logging.GetDefault().Component("nodes"),
	}
}

// OnHandshake records a node after a successful handshake, creating its
// record on first contact.
func (nl *NodeList) OnHandshake(pubKey, address string, advertised []string) error {
	nl.mu.Lock()
	defer nl.mu.Unlock()

	node, err := nl.store.GetNode(pubKey)
	if errors.Is(err, storage.ErrNodeNotFound) {
		now := time.Now()
		return nl.store.SaveNode(&storage.Node{
			PubKey:      pubKey,
			Addresses:   advertised,
			LastAddress: address,
			FirstSeen:   now,
			LastSeen:    &now,
		})
	}
	if err != nil {
		return err
	}

	now := time.Now()
	node.Addresses = advertised
	node.LastAddress = address
	node.LastSeen = &now
	return nl.store.SaveNode(node)
}

// IsBanned reports whether a node is banned.
func (nl *NodeList) IsBanned(pubKey string) bool {
	nl.mu.Lock()
	defer nl.mu.Unlock()

	node, err := nl.store.GetNode(pubKey)
	if err != nil {
		return false
	}
	return node.Banned
}

// AddReputationEvent applies a reputation event and reports whether it
// tripped the automatic ban threshold.
func (nl *NodeList) AddReputationEvent(pubKey string, event ReputationEvent) (banned bool, err error) {
	nl.mu.Lock()
	defer nl.mu.Unlock()

	node, err := nl.store.GetNode(pubKey)
	if errors.Is(err, storage.ErrNodeNotFound) {
		now := time.Now()
		node = &storage.Node{PubKey: pubKey, FirstSeen: now}
		if err := nl.store.SaveNode(node); err != nil {
			return false, err
		}
	} else if err != nil {
		return false, err
	}

	node.ReputationScore += event.delta()
	if node.ReputationScore <= banThreshold && !node.Banned {
		node.Banned = true
		nl.log.Warn("node banned by reputation",
			"pubkey", pubKey, "score", node.ReputationScore, "event", event)
	}
	if err := nl.store.UpdateNodeReputation(pubKey, node.ReputationScore, node.Banned); err != nil {
		return false, err
	}
	return node.Banned, nil
}

// Ban marks a node banned regardless of score.
func (nl *NodeList) Ban(pubKey string) error {
	nl.mu.Lock()
	defer nl.mu.Unlock()

	node, err := nl.store.GetNode(pubKey)
	if errors.Is(err, storage.ErrNodeNotFound) {
		now := time.Now()
		node = &storage.Node{PubKey: pubKey, FirstSeen: now}
		if err := nl.store.SaveNode(node); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	return nl.store.UpdateNodeReputation(pubKey, node.ReputationScore, true)
}

// Unban clears a node's ban and resets its score.
func (nl *NodeList) Unban(pubKey string) error {
	nl.mu.Lock()
	defer nl.mu.Unlock()

	node, err := nl.store.GetNode(pubKey)
	if err != nil {
		return err
	}
	if !node.Banned {
		return ErrNodeNotBanned
	}
	return nl.store.UpdateNodeReputation(pubKey, 0, false)
}

// Addresses returns the known addresses for a node, the most recently
// connected one first.
func (nl *NodeList) Addresses(pubKey string) []string {
	nl.mu.Lock()
	defer nl.mu.Unlock()

	node, err := nl.store.GetNode(pubKey)
	if err != nil {
		return nil
	}
	addrs := make([]string, 0, len(node.Addresses)+1)
	if node.LastAddress != "" {
		addrs = append(addrs, node.LastAddress)
	}
	for _, a := range node.Addresses {
		if a != node.LastAddress {
			addrs = append(addrs, a)
		}
	}
	return addrs
}
