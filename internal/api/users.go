package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"exoneum.core/exc/internal/ledger"
	"exoneum.core/exc/internal/merkle"
	"exoneum.core/exc/internal/types"
)

// UserProof proves a user's presence or absence in the users table.
type UserProof struct {
	Height   int64        `json:"height"`
	RootHash types.Hash   `json:"root_hash"`
	Proof    merkle.Proof `json:"proof"`
	User     *types.User  `json:"user,omitempty"`
}

// @Title: List Users
// @Route: GET /v1/users
// @Description: Returns every registered user in public key order
// @Response: [{"public_key": "...", "name": "...", "balance": 100}]
func (s *Service) HandleUsers(w http.ResponseWriter, r *http.Request) {
	users := ledger.NewSchema(s.ledger.Snapshot()).Users()
	s.writeJSON(w, http.StatusOK, users.Values())
}

// @Title: Get User
// @Route: GET /v1/user/{public_key}
// @Description: Returns the user registered under a hex-encoded public key
// @Response: {"public_key": "...", "name": "...", "balance": 100}
func (s *Service) HandleUser(w http.ResponseWriter, r *http.Request) {
	key, err := types.ParsePublicKey(mux.Vars(r)["public_key"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid public key")
		return
	}

	user, ok := ledger.NewSchema(s.ledger.Snapshot()).Users().Get(key)
	if !ok {
		s.writeError(w, http.StatusNotFound, "User not found")
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}

// @Title: Get User Proof
// @Route: GET /v1/user/{public_key}/proof
// @Description: Returns a Merkle proof of the user's presence or absence against the users table root
// @Response: {"height": 3, "root_hash": "...", "proof": {"siblings": [...]}, "user": {...}}
func (s *Service) HandleUserProof(w http.ResponseWriter, r *http.Request) {
	key, err := types.ParsePublicKey(mux.Vars(r)["public_key"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid public key")
		return
	}

	snap := s.ledger.Snapshot()
	users := ledger.NewSchema(snap).Users()
	resp := UserProof{
		Height:   snap.Height(),
		RootHash: users.RootHash(),
		Proof:    users.Prove(key),
	}
	if user, ok := users.Get(key); ok {
		resp.User = &user
	}
	s.writeJSON(w, http.StatusOK, resp)
}
