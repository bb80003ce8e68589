package committee

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	mrand "math/rand"
	"sort"

	"github.com/ProtonMail/go-ecvrf/ecvrf"
	"github.com/pkg/errors"
)

var ErrInvalidProof = errors.New("invalid vrf proof")

// Member is a client holding its own VRF key pair.
type Member struct {
	ClientID        string
	VerificationKey []byte
	secretKey       *ecvrf.PrivateKey
}

// Ticket is a member's VRF evaluation for one round.
type Ticket struct {
	ClientID string
	Output   []byte
	Proof    []byte
	Ratio    float64
}

func GenerateVRFKeys(clientID string, rand io.Reader) (*Member, error) {
	secretKey, err := ecvrf.GenerateKey(rand)
	if err != nil {
		return nil, err
	}
	verificationKey, err := secretKey.Public()
	if err != nil {
		return nil, err
	}
	return &Member{
		ClientID:        clientID,
		VerificationKey: verificationKey.Bytes(),
		secretKey:       secretKey,
	}, nil
}

// Message is the VRF input for a session round.
func Message(sessionID string, round int) []byte {
	return []byte(fmt.Sprintf("%s|%d", sessionID, round))
}

func (m *Member) Prove(message []byte) (*Ticket, error) {
	y, proof, err := m.secretKey.Prove(message)
	if err != nil {
		return nil, err
	}
	return &Ticket{
		ClientID: m.ClientID,
		Output:   y,
		Proof:    proof,
		Ratio:    ratio(y),
	}, nil
}

// VerifyVRF checks a proof against a verification key and returns the VRF
// output it commits to.
func VerifyVRF(verificationKey []byte, message []byte, proof []byte) ([]byte, error) {
	pk, err := ecvrf.NewPublicKey(verificationKey)
	if err != nil {
		return nil, err
	}
	verified, y, err := pk.Verify(message, proof)
	if err != nil {
		return nil, err
	}
	if !verified {
		return nil, ErrInvalidProof
	}
	return y, nil
}

// ratio maps the first eight bytes of a VRF output to [0, 1).
func ratio(y []byte) float64 {
	var buf [8]byte
	copy(buf[:], y)
	return float64(binary.BigEndian.Uint64(buf[:])) / math.Exp2(64)
}

// Committee samples the participants of every round. A member takes part when
// its VRF ratio falls below the participation fraction.
type Committee struct {
	Participation float64
	members       []*Member
}

// NewCommittee generates one key pair per client from rand, in the order of
// clientIDs.
func NewCommittee(clientIDs []string, participation float64, rand io.Reader) (*Committee, error) {
	if participation <= 0 || participation > 1 || math.IsNaN(participation) {
		return nil, errors.Errorf("participation %v outside (0, 1]", participation)
	}
	c := &Committee{Participation: participation}
	for _, id := range clientIDs {
		member, err := GenerateVRFKeys(id, rand)
		if err != nil {
			return nil, errors.Wrapf(err, "keys for %s", id)
		}
		c.members = append(c.members, member)
	}
	return c, nil
}

// NewSeededCommittee draws the key pairs from a math/rand source seeded with
// seed, so the same session seed always yields the same committee.
func NewSeededCommittee(clientIDs []string, participation float64, seed int64) (*Committee, error) {
	return NewCommittee(clientIDs, participation, mrand.New(mrand.NewSource(seed)))
}

func (c *Committee) Members() []*Member {
	return c.members
}

// Draw returns the verified tickets of the selected members, sorted by client
// ID. With full participation every member is returned without proofs.
func (c *Committee) Draw(sessionID string, round int) ([]Ticket, error) {
	if c.Participation >= 1 {
		tickets := make([]Ticket, len(c.members))
		for i, m := range c.members {
			tickets[i] = Ticket{ClientID: m.ClientID}
		}
		sortTickets(tickets)
		return tickets, nil
	}

	message := Message(sessionID, round)
	var (
		selected []Ticket
		lowest   *Ticket
	)
	for _, m := range c.members {
		ticket, err := m.Prove(message)
		if err != nil {
			return nil, errors.Wrapf(err, "prove %s", m.ClientID)
		}
		y, err := VerifyVRF(m.VerificationKey, message, ticket.Proof)
		if err != nil {
			return nil, errors.Wrapf(err, "verify %s", m.ClientID)
		}
		if !bytes.Equal(y, ticket.Output) {
			return nil, errors.Wrapf(ErrInvalidProof, "output of %s", m.ClientID)
		}
		if ticket.Ratio < c.Participation {
			selected = append(selected, *ticket)
		}
		if lowest == nil || ticket.Ratio < lowest.Ratio {
			lowest = ticket
		}
	}
	if len(selected) == 0 && lowest != nil {
		selected = append(selected, *lowest)
	}
	sortTickets(selected)
	return selected, nil
}

// Select returns the client IDs chosen for a round.
func (c *Committee) Select(sessionID string, round int) ([]string, error) {
	tickets, err := c.Draw(sessionID, round)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(tickets))
	for i, t := range tickets {
		ids[i] = t.ClientID
	}
	return ids, nil
}

func sortTickets(tickets []Ticket) {
	sort.Slice(tickets, func(i, j int) bool {
		return tickets[i].ClientID < tickets[j].ClientID
	})
}
