// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
// Codes read as <domain>.<entity>.<op>.<reason>; the last segment is the
// reason used by the Is* classifiers.
type Code string

const (
	CodeStoreKVGetFailure       Code = "store.kv.get.failure"
	CodeStoreKVSetFailure       Code = "store.kv.set.failure"
	CodeStoreKVRemoveFailure    Code = "store.kv.remove.failure"
	CodeStoreKeyNotFound        Code = "store.kv.get.not_found"
	CodeStoreDecodeInvalid      Code = "store.record.decode.invalid_format"
	CodeStoreBackendUnsupported Code = "store.backend.unsupported"
	CodeStoreOpenFailure        Code = "store.backend.open.failure"
	CodeStoreMigrateFailure     Code = "store.migrate.failure"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeChatSessionNotFound     Code = "chat.session.get.not_found"
	CodeChatInputInvalid        Code = "chat.input.invalid"
	CodeChatMessageImmutable    Code = "chat.message.update.conflict"
	CodeChatLaneClosed          Code = "chat.lane.submit.inactive"
	CodeChatLaneFailure         Code = "chat.lane.failure"
	CodeChatSubscribeFailure    Code = "chat.events.subscribe.failure"
	CodeChatPublishFailure      Code = "chat.events.publish.failure"
	CodeReconcileFragmentStale  Code = "reconcile.fragment.stale"
	CodeReconcileStreamCanceled Code = "reconcile.stream.canceled"

	CodeTransportRequestInvalid  Code = "transport.request.invalid"
	CodeTransportRequestFailure  Code = "transport.request.failure"
	CodeTransportUpstreamFailure Code = "transport.upstream.failure"
	CodeTransportNotFound        Code = "transport.file.not_found"
	CodeTransportFrameInvalid    Code = "transport.stream.frame.invalid_format"
	CodeTransportStreamFailure   Code = "transport.stream.failure"

	CodeCLISetupFailure   Code = "cli.setup.failure"
	CodeCLIInputInvalid   Code = "cli.input.invalid"
	CodeCLIRequestFailure Code = "cli.request.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// FieldValue creates a structured error field.
func FieldValue(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

// Field is kept as the primary helper for terse callsites.
func Field(key string, value any) Attr {
	return FieldValue(key, value)
}

func FieldSessionID(value string) Attr {
	return Field("session_id", value)
}

func FieldMessageID(value string) Attr {
	return Field("message_id", value)
}

func FieldKey(value string) Attr {
	return Field("key", value)
}

func FieldBackend(value string) Attr {
	return Field("backend", value)
}

func FieldFile(value string) Attr {
	return Field("file", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeChatLaneFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

func IsStale(err error) bool {
	return reason(CodeOf(err)) == "stale"
}

func IsCanceled(err error) bool {
	return reason(CodeOf(err)) == "canceled"
}

// IsTransport reports whether err originated in the backend transport.
func IsTransport(err error) bool {
	return strings.HasPrefix(string(CodeOf(err)), "transport.")
}

// FromHTTPStatus maps a backend response status to the transport code that
// best describes it.
func FromHTTPStatus(status int) Code {
	switch {
	case status == http.StatusNotFound:
		return CodeTransportNotFound
	case status >= 400 && status < 500:
		return CodeTransportRequestInvalid
	default:
		return CodeTransportUpstreamFailure
	}
}

func Join(errs ...error) error {
	return oops.Code(CodeChatLaneFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
