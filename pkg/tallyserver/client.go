package tallyserver

import (
	"encoding/json"
	"fmt"
)

// dcStartResult is a data collector's START SUCCESS payload: one encrypted
// blinding share per share keeper, still in its wire-encoded envelope form
// (an RSA-wrapped symmetric key plus the symmetrically encrypted share,
// produced by cryptutil.Encrypt) — opaque to the tally server, which only relays it on
// to the matching share keeper.
type dcStartResult struct {
	Shares map[string]json.RawMessage `json:"shares"`
}

// handleStartResult feeds a client's START SUCCESS reply into the round
// phase: a DC's reply carries the encrypted shares it generated for every
// share keeper; an SK's reply carries nothing beyond acknowledgement that
// it imported its shares.
func (s *Server) handleStartResult(uid string, clientType ClientType, result json.RawMessage) error {
	switch clientType {
	case ClientDataCollector:
		var parsed dcStartResult
		if err := json.Unmarshal(result, &parsed); err != nil {
			return fmt.Errorf("tallyserver: decoding DC %s start result: %w", uid, err)
		}
		s.phase.StoreShares(uid, parsed.Shares)
	case ClientShareKeeper:
		s.phase.StoreSKStarted(uid)
	default:
		return fmt.Errorf("tallyserver: unknown client type %q for %s", clientType, uid)
	}
	return nil
}
