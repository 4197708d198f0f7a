// Package handlers exposes the resolver's operation surface as a JSON API.
// Request-time failures return a structured error payload with a numeric
// code; the scheduled operations are also exposed for an external cron
// driver.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"fleet-resolver/ledger"
	"fleet-resolver/scheduler"
	"fleet-resolver/types"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

var logger = logrus.New().WithField("module", "handlers")

var svc *scheduler.Scheduler
var ldg *ledger.Ledger

// Init wires the handlers to the scheduler and the ledger.
func Init(s *scheduler.Scheduler, l *ledger.Ledger) {
	svc = s
	ldg = l
}

// Register records or updates a player's delegate.
func Register(w http.ResponseWriter, r *http.Request) {
	j := newEncoder(w)
	sub := &types.RegisterSubmission{}
	if err := json.NewDecoder(r.Body).Decode(sub); err != nil {
		sendErrorResponse(w, j, r.URL.String(), types.CodeInvalidSubmission, "invalid json body")
		return
	}
	if err := ldg.Register(sub); err != nil {
		sendCodedErrorResponse(w, j, r.URL.String(), err)
		return
	}
	sendOKResponse(j, r.URL.String(), nil)
}

// SetFeeSchedule replaces a player's max-fee-per-gas schedule.
func SetFeeSchedule(w http.ResponseWriter, r *http.Request) {
	j := newEncoder(w)
	sub := &types.FeeScheduleSubmission{}
	if err := json.NewDecoder(r.Body).Decode(sub); err != nil {
		sendErrorResponse(w, j, r.URL.String(), types.CodeInvalidSubmission, "invalid json body")
		return
	}
	if err := ldg.SetFeeSchedule(sub); err != nil {
		sendCodedErrorResponse(w, j, r.URL.String(), err)
		return
	}
	sendOKResponse(j, r.URL.String(), nil)
}

// QueueReveal admits a fleet reveal into the queue.
func QueueReveal(w http.ResponseWriter, r *http.Request) {
	j := newEncoder(w)
	sub := &types.RevealSubmission{}
	if err := json.NewDecoder(r.Body).Decode(sub); err != nil {
		sendErrorResponse(w, j, r.URL.String(), types.CodeInvalidSubmission, "invalid json body")
		return
	}
	if err := svc.QueueReveal(r.Context(), sub); err != nil {
		sendCodedErrorResponse(w, j, r.URL.String(), err)
		return
	}
	sendOKResponse(j, r.URL.String(), nil)
}

// Account returns the ledger record for a player address.
func Account(w http.ResponseWriter, r *http.Request) {
	j := newEncoder(w)
	address := mux.Vars(r)["address"]
	acct, err := ldg.Account(address)
	if err != nil {
		sendCodedErrorResponse(w, j, r.URL.String(), err)
		return
	}
	sendOKResponse(j, r.URL.String(), acct)
}

// GetQueue returns the queued reveals in broadcast-time order.
func GetQueue(w http.ResponseWriter, r *http.Request) {
	j := newEncoder(w)
	queue, err := svc.Queue()
	if err != nil {
		sendCodedErrorResponse(w, j, r.URL.String(), err)
		return
	}
	sendOKResponse(j, r.URL.String(), queue)
}

// GetPendingTransactions returns all broadcast, unconfirmed reveals.
func GetPendingTransactions(w http.ResponseWriter, r *http.Request) {
	j := newEncoder(w)
	pending, err := svc.PendingTransactions()
	if err != nil {
		sendCodedErrorResponse(w, j, r.URL.String(), err)
		return
	}
	sendOKResponse(j, r.URL.String(), pending)
}

// GetTransactionInfo returns the last broadcast snapshot for a fleet.
func GetTransactionInfo(w http.ResponseWriter, r *http.Request) {
	j := newEncoder(w)
	fleetID := mux.Vars(r)["fleetId"]
	info, err := svc.TransactionInfo(fleetID)
	if err != nil {
		sendCodedErrorResponse(w, j, r.URL.String(), err)
		return
	}
	sendOKResponse(j, r.URL.String(), info)
}

// Execute advances the reveal queue (cron driver entry point).
func Execute(w http.ResponseWriter, r *http.Request) {
	j := newEncoder(w)
	if err := svc.Execute(r.Context()); err != nil {
		sendCodedErrorResponse(w, j, r.URL.String(), err)
		return
	}
	sendOKResponse(j, r.URL.String(), nil)
}

// CheckPendingTransactions polls pending transactions (cron driver entry point).
func CheckPendingTransactions(w http.ResponseWriter, r *http.Request) {
	j := newEncoder(w)
	if err := svc.CheckPendingTransactions(r.Context()); err != nil {
		sendCodedErrorResponse(w, j, r.URL.String(), err)
		return
	}
	sendOKResponse(j, r.URL.String(), nil)
}

// SyncAccountBalances reconciles payment events (cron driver entry point).
func SyncAccountBalances(w http.ResponseWriter, r *http.Request) {
	j := newEncoder(w)
	if err := svc.SyncAccountBalances(r.Context()); err != nil {
		sendCodedErrorResponse(w, j, r.URL.String(), err)
		return
	}
	sendOKResponse(j, r.URL.String(), nil)
}

func newEncoder(w http.ResponseWriter) *json.Encoder {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w)
}

func httpStatusForCode(code int) int {
	switch code {
	case types.CodeNotAuthorized, types.CodeInvalidNonce:
		return http.StatusUnauthorized
	case types.CodeNotEnoughBalance:
		return http.StatusPaymentRequired
	case types.CodeAlreadyPending:
		return http.StatusConflict
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func sendCodedErrorResponse(w http.ResponseWriter, j *json.Encoder, route string, err error) {
	var coded *types.CodedError
	if errors.As(err, &coded) {
		sendErrorResponse(w, j, route, coded.Code, coded.Message)
		return
	}
	logger.WithError(err).WithField("route", route).Error("unexpected error serving request")
	sendErrorResponse(w, j, route, types.CodeServerError, "internal server error")
}

func sendErrorResponse(w http.ResponseWriter, j *json.Encoder, route string, code int, message string) {
	w.WriteHeader(httpStatusForCode(code))
	response := &types.ApiResponse{
		Status: "ERROR",
		Error:  &types.ApiError{Code: code, Message: message},
	}
	err := j.Encode(response)
	if err != nil {
		logger.Errorf("error serializing json error for API %v route: %v", route, err)
	}
}

func sendOKResponse(j *json.Encoder, route string, data interface{}) {
	response := &types.ApiResponse{Status: "OK", Data: data}
	err := j.Encode(response)
	if err != nil {
		logger.Errorf("error serializing json data for API %v route: %v", route, err)
	}
}
