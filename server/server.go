// Package server is the thin request-handling adapter around
// modifydn.StateMachine. It normalizes an already-decoded Modify-DN
// request into an opctx.OperationContext, runs the state machine, and
// turns the resulting Outcome into a response - and it owns the
// bounded retry loop for transient storage conflicts. BER wire
// decoding and connection management live outside this module, so the
// entry point takes an already-parsed request.
package server

import (
	"context"
	"log"

	"github.com/cloudldap/dnmove/auth"
	"github.com/cloudldap/dnmove/directory"
	"github.com/cloudldap/dnmove/lock"
	"github.com/cloudldap/dnmove/modifydn"
	"github.com/cloudldap/dnmove/opctx"
	"github.com/cloudldap/dnmove/schema"
	"github.com/cloudldap/dnmove/util"
)

// maxRetry bounds the Retry loop below.
const maxRetry = 3

// Server wires one directory.Environment and lock.Coordinator to the
// request-handling surface.
type Server struct {
	Env   *directory.Environment
	Locks *lock.Coordinator
}

func New(env *directory.Environment, locks *lock.Coordinator) *Server {
	return &Server{Env: env, Locks: locks}
}

// ModifyDNRequest is the decoded shape of an LDAP Modify-DN request
// (RFC 4511 §4.9). NewSuperior is empty when the request carries none.
type ModifyDNRequest struct {
	Entry        string
	NewRDN       string
	DeleteOldRDN bool
	NewSuperior  string

	RequestControls   []*opctx.Control
	Caller            *auth.Session
	IsInternal        bool
	IsSynchronization bool
}

// ModifyDNResponse is the LDAPResult the caller writes back to the
// wire.
type ModifyDNResponse struct {
	ResultCode       util.ResultCode
	DiagnosticMsg    string
	MatchedDN        string
	ResponseControls []*opctx.Control
}

// HandleModifyDN normalizes req, runs modifydn.StateMachine.Process,
// and retries the whole operation up to maxRetry times when the commit
// reports a transient conflict (Outcome.Retryable).
func (s *Server) HandleModifyDN(goCtx context.Context, req *ModifyDNRequest) *ModifyDNResponse {
	sr := s.Env.SchemaRegistry
	ctx := auth.WithSession(goCtx, req.Caller)

	entryDN, err := schema.ParseDN(sr, req.Entry)
	if err != nil {
		log.Printf("warn: invalid dn: %s err: %s", req.Entry, err)
		return responseModifyDNError(util.NewInvalidDNSyntax())
	}

	var newSuperior *schema.DN
	if req.NewSuperior != "" {
		newSuperior, err = schema.ParseDN(sr, req.NewSuperior)
		if err != nil {
			log.Printf("warn: invalid newSuperior: %s err: %s", req.NewSuperior, err)
			return responseModifyDNError(util.NewInvalidDNSyntax())
		}
	}

	log.Printf("info: Modify DN entry: %s", entryDN.DNNormStr())

	sm := modifydn.New(s.Env, s.Locks)

	i := 0
Retry:
	opCtx := &opctx.OperationContext{
		EntryDN:           entryDN,
		NewRDN:            req.NewRDN,
		NewSuperior:       newSuperior,
		DeleteOldRDN:      req.DeleteOldRDN,
		RequestControls:   req.RequestControls,
		Caller:            req.Caller,
		IsInternal:        req.IsInternal,
		IsSynchronization: req.IsSynchronization,
	}

	outcome := sm.Process(ctx, opCtx)

	if outcome.Kind == opctx.OutcomeAbort && outcome.Retryable {
		if i < maxRetry {
			i++
			log.Printf("warn: Detect consistency error. Do retry. try_count: %d", i)
			goto Retry
		}
		log.Printf("error: Give up to retry. try_count: %d", i)
	}

	return responseFromOutcome(opCtx, outcome)
}

func responseFromOutcome(opCtx *opctx.OperationContext, outcome opctx.Outcome) *ModifyDNResponse {
	if outcome.Kind == opctx.OutcomeConnectionTerminated {
		log.Printf("warn: ModifyDN connection terminated. code: %v", outcome.ConnCode)
		return &ModifyDNResponse{ResultCode: outcome.ConnCode}
	}

	resp := &ModifyDNResponse{
		ResultCode:       opCtx.ResultCode,
		DiagnosticMsg:    opCtx.ErrorMessage,
		ResponseControls: opCtx.ResponseControls,
	}
	if opCtx.MatchedDN != nil {
		resp.MatchedDN = opCtx.MatchedDN.DNNormStr()
	}

	switch resp.ResultCode {
	case util.Success, util.NoOperation:
		// success outcomes are not logged
	default:
		log.Printf("warn: ModifyDN LDAP error. code: %v msg: %s", resp.ResultCode, resp.DiagnosticMsg)
	}
	return resp
}

func responseModifyDNError(err *util.LDAPError) *ModifyDNResponse {
	log.Printf("warn: ModifyDN LDAP error. err: %v", err)
	return &ModifyDNResponse{ResultCode: err.Code, DiagnosticMsg: err.Msg}
}
