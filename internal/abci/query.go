package abci

import (
	"encoding/json"
	"fmt"

	abci "github.com/tendermint/tendermint/abci/types"
	tmcrypto "github.com/tendermint/tendermint/proto/tendermint/crypto"

	"exoneum.core/exc/internal/ledger"
	"exoneum.core/exc/internal/types"
)

// Query paths.
const (
	PathUser  = "/user"
	PathUsers = "/users"
	PathState = "/state"
)

// Query response codes.
const (
	QueryCodeOK          uint32 = 0
	QueryCodeUnknownPath uint32 = 1
	QueryCodeInvalidKey  uint32 = 2
	QueryCodeNotFound    uint32 = 3
	QueryCodeHeight      uint32 = 4
	QueryCodeInternal    uint32 = 5
)

// ProofOpUsers is the proof op type carried for users table proofs.
const ProofOpUsers = "exoneum:users"

// StateView is the JSON value of a /state query.
type StateView struct {
	Height    int64        `json:"height"`
	AppHash   types.Hash   `json:"app_hash"`
	StateHash []types.Hash `json:"state_hash"`
	Users     int          `json:"users"`
}

// Query serves reads from the latest committed snapshot. Historical heights
// are not retained.
func (app *Application) Query(req abci.RequestQuery) abci.ResponseQuery {
	snap := app.store.Snapshot()
	if req.Height != 0 && req.Height != snap.Height() {
		return abci.ResponseQuery{
			Code:   QueryCodeHeight,
			Log:    fmt.Sprintf("only the latest height %d is available", snap.Height()),
			Height: snap.Height(),
		}
	}

	schema := ledger.NewSchema(snap)
	resp := abci.ResponseQuery{Height: snap.Height()}

	switch req.Path {
	case PathUser:
		key, err := types.NewPublicKey(req.Data)
		if err != nil {
			resp.Code = QueryCodeInvalidKey
			resp.Log = err.Error()
			return resp
		}
		resp.Key = key.Bytes()
		users := schema.Users()
		user, found := users.Get(key)
		if found {
			resp.Value = types.EncodeUser(user)
		} else {
			resp.Code = QueryCodeNotFound
			resp.Log = "User not found"
		}
		if req.Prove {
			data, err := users.Prove(key).Marshal()
			if err != nil {
				resp.Code = QueryCodeInternal
				resp.Log = err.Error()
				return resp
			}
			resp.ProofOps = &tmcrypto.ProofOps{Ops: []tmcrypto.ProofOp{{
				Type: ProofOpUsers,
				Key:  key.Bytes(),
				Data: data,
			}}}
		}

	case PathUsers:
		return jsonResponse(resp, schema.Users().Values())

	case PathState:
		return jsonResponse(resp, StateView{
			Height:    snap.Height(),
			AppHash:   ledger.AppHash(snap),
			StateHash: schema.StateHash(),
			Users:     schema.Users().Len(),
		})

	default:
		resp.Code = QueryCodeUnknownPath
		resp.Log = fmt.Sprintf("unknown query path %q", req.Path)
	}
	return resp
}

func jsonResponse(resp abci.ResponseQuery, v interface{}) abci.ResponseQuery {
	data, err := json.Marshal(v)
	if err != nil {
		resp.Code = QueryCodeInternal
		resp.Log = err.Error()
		return resp
	}
	resp.Value = data
	return resp
}
