package kex

import (
	"errors"
	"fmt"

	"github.com/pzverkov/pqtunnel/internal/constants"
	"github.com/pzverkov/pqtunnel/pkg/crypto"
)

// PairwiseTest generates a key pair, encapsulates to it and checks that
// decapsulation recovers the same secret.
func PairwiseTest(p Primitive) error {
	pub, sk, err := p.GenerateKeyPair()
	if err != nil {
		return err
	}
	defer sk.Zeroize()
	ct, sent, err := p.Encapsulate(pub)
	if err != nil {
		return err
	}
	defer crypto.Zeroize(sent)
	got, err := p.Decapsulate(ct, sk)
	if err != nil {
		return err
	}
	defer crypto.Zeroize(got)
	if len(sent) == 0 || !crypto.ConstantTimeCompare(sent, got) {
		return fmt.Errorf("kex: %s pairwise consistency test failed", p.Algorithm())
	}
	return nil
}

// SelfTest checks the CSPRNG, every suite in suites and every registered
// primitive. All failures are joined.
func (r *Registry) SelfTest(suites []constants.CipherSuite) error {
	var errs []error
	if err := crypto.RNGHealthCheck(); err != nil {
		errs = append(errs, err)
	}
	for _, cs := range suites {
		if err := crypto.AEADSelfTest(cs); err != nil {
			errs = append(errs, err)
		}
	}
	for _, alg := range r.Algorithms() {
		p, err := r.Lookup(alg)
		if err == nil {
			err = PairwiseTest(p)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
