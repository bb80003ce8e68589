package store

import (
	"bytes"

	"github.com/Lekssays/flpoison/model"
	shell "github.com/ipfs/go-ipfs-api"
	"github.com/pkg/errors"
)

// IPFSPublisher uploads global models as .npy vectors to an IPFS node.
type IPFSPublisher struct {
	sh *shell.Shell
}

func NewIPFSPublisher(endpoint string) *IPFSPublisher {
	return &IPFSPublisher{sh: shell.NewShell(endpoint)}
}

// PublishModel returns the CID of the uploaded vector.
func (p *IPFSPublisher) PublishModel(vector []float64) (string, error) {
	var buf bytes.Buffer
	if err := model.WriteNumpy(&buf, vector); err != nil {
		return "", err
	}
	cid, err := p.sh.Add(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return "", errors.Wrap(err, "ipfs add")
	}
	return cid, nil
}

func (p *IPFSPublisher) FetchModel(cid string) ([]float64, error) {
	r, err := p.sh.Cat(cid)
	if err != nil {
		return nil, errors.Wrapf(err, "ipfs cat %s", cid)
	}
	defer r.Close()
	return model.ReadNumpy(r)
}
