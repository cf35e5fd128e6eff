package commands

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/telemetry"
)

const maxRequestBytes = 4 << 20

// operationExecutor is the part of the controller the HTTP endpoint needs.
type operationExecutor interface {
	ExecuteOperation(ctx context.Context, op *ops.Operation) *ops.Response
}

// managementHandler executes one JSON operation per POST and replies with
// the JSON response. Failed operations are answered with 500, undecodable
// requests with 400. Bodies may be zstd or gzip encoded in both directions.
func managementHandler(target operationExecutor, logger *telemetry.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		encoding := selectEncoding(r.Header.Get("Accept-Encoding"))
		body, err := decodeReader(http.MaxBytesReader(w, r.Body, maxRequestBytes), r.Header.Get("Content-Encoding"))
		if err != nil {
			writeResponse(w, logger, encoding, http.StatusUnsupportedMediaType,
				ops.Failed(ops.NewValidationError("unreadable operation request", err).WithCode(ops.ErrCodeInvalidParameter), false))
			return
		}
		defer body.Close()

		op := &ops.Operation{}
		if err := json.NewDecoder(io.LimitReader(body, maxRequestBytes)).Decode(op); err != nil {
			writeResponse(w, logger, encoding, http.StatusBadRequest,
				ops.Failed(ops.NewValidationError("invalid operation request", err).WithCode(ops.ErrCodeInvalidParameter), false))
			return
		}

		resp := target.ExecuteOperation(r.Context(), op)
		status := http.StatusOK
		if !resp.IsSuccess() {
			status = http.StatusInternalServerError
		}
		logger.WithOperation(op.Name, op.Address).WithField("outcome", string(resp.Outcome)).Debug("Management request")
		writeResponse(w, logger, encoding, status, resp)
	})
}

func writeResponse(w http.ResponseWriter, logger *telemetry.Logger, encoding string, status int, resp *ops.Response) {
	out, err := encodeWriter(w, encoding)
	if err != nil {
		logger.WithError(err).Warn("Falling back to an uncompressed response")
		out, encoding = nopWriteCloser{w}, ""
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Vary", "Accept-Encoding")
	if encoding != "" {
		w.Header().Set("Content-Encoding", encoding)
	}
	w.WriteHeader(status)
	err = json.NewEncoder(out).Encode(resp)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		logger.WithError(err).Warn("Failed to write management response")
	}
}
