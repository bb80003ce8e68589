package committee

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"

	redis "github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

func peersKey(sessionID string) string {
	return sessionID + "!peers"
}

// SavePeers publishes the verification key of every member so that a
// verifier can check tickets without holding the committee.
func SavePeers(ctx context.Context, rdb *redis.Client, sessionID string, members []*Member) error {
	fields := make(map[string]interface{}, len(members))
	for _, m := range members {
		fields[m.ClientID] = hex.EncodeToString(m.VerificationKey)
	}
	if len(fields) == 0 {
		return nil
	}
	return rdb.HSet(ctx, peersKey(sessionID), fields).Err()
}

// GetPeers returns the published verification keys keyed by client ID.
func GetPeers(ctx context.Context, rdb *redis.Client, sessionID string) (map[string][]byte, error) {
	encoded, err := rdb.HGetAll(ctx, peersKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	peers := make(map[string][]byte, len(encoded))
	for id, value := range encoded {
		key, err := hex.DecodeString(strings.TrimSpace(value))
		if err != nil {
			return nil, errors.Wrapf(err, "peer %s", id)
		}
		peers[id] = key
	}
	return peers, nil
}

// VerifyTickets checks every ticket of a round against the published keys.
func VerifyTickets(ctx context.Context, rdb *redis.Client, sessionID string, round int, tickets []Ticket) error {
	peers, err := GetPeers(ctx, rdb, sessionID)
	if err != nil {
		return err
	}
	message := Message(sessionID, round)
	for _, t := range tickets {
		key, ok := peers[t.ClientID]
		if !ok {
			return errors.Wrapf(ErrInvalidProof, "unknown peer %s", t.ClientID)
		}
		if _, err := VerifyVRF(key, message, t.Proof); err != nil {
			return errors.Wrapf(err, "ticket of %s", t.ClientID)
		}
	}
	return nil
}

// PublishedCommittee publishes the member keys of every session it serves
// and verifies each draw against the published keys before returning it.
type PublishedCommittee struct {
	committee *Committee
	rdb       *redis.Client

	mu        sync.Mutex
	published map[string]bool
}

func Publish(c *Committee, rdb *redis.Client) *PublishedCommittee {
	return &PublishedCommittee{
		committee: c,
		rdb:       rdb,
		published: make(map[string]bool),
	}
}

func (p *PublishedCommittee) Select(sessionID string, round int) ([]string, error) {
	ctx := context.Background()
	p.mu.Lock()
	if !p.published[sessionID] {
		if err := SavePeers(ctx, p.rdb, sessionID, p.committee.Members()); err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.published[sessionID] = true
	}
	p.mu.Unlock()

	tickets, err := p.committee.Draw(sessionID, round)
	if err != nil {
		return nil, err
	}
	if p.committee.Participation < 1 {
		if err := VerifyTickets(ctx, p.rdb, sessionID, round, tickets); err != nil {
			return nil, err
		}
	}
	ids := make([]string, len(tickets))
	for i, t := range tickets {
		ids[i] = t.ClientID
	}
	return ids, nil
}
