package service

import (
	"net/http"
	"strconv"

	"stream-relay-go/internal/model"
)

// errorPrefix starts every total-failure body.
const errorPrefix = "Erro: "

// ComposeStream builds the primary-success envelope around a live stream.
// The content type is asserted regardless of what the upstream declared.
func ComposeStream(h model.StreamHandle, contentType string) *model.ResponseEnvelope {
	hdr := make(http.Header)
	hdr.Set("Content-Type", contentType)
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Transfer-Encoding", "chunked")

	return &model.ResponseEnvelope{
		Status: http.StatusOK,
		Header: hdr,
		Kind:   model.BodyStream,
		Stream: h,
	}
}

// ComposeBuffered builds the fallback envelope. No cache or streaming
// headers: the body is already complete, so its length is declared and the
// server sends it unchunked.
func ComposeBuffered(payload []byte, contentType string) *model.ResponseEnvelope {
	hdr := make(http.Header)
	hdr.Set("Content-Type", contentType)
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Content-Length", strconv.Itoa(len(payload)))

	return &model.ResponseEnvelope{
		Status:  http.StatusOK,
		Header:  hdr,
		Kind:    model.BodyBuffered,
		Payload: payload,
	}
}

// ComposeError builds the total-failure envelope from the fallback error.
func ComposeError(err error) *model.ResponseEnvelope {
	return &model.ResponseEnvelope{
		Status:    http.StatusInternalServerError,
		Header:    make(http.Header),
		Kind:      model.BodyError,
		ErrorText: errorPrefix + err.Error(),
	}
}
