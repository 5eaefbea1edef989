// Copyright 2024 The Tektite Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

type ErrorCode int

const (
	Unavailable ErrorCode = iota + 2000
	ConnectionError
	ProtocolError
	ShutdownError
	InvalidConfiguration ErrorCode = iota + 3000
	InternalError        ErrorCode = iota + 5000
)

func NewInternalError(errReference string) CamError {
	return NewCamErrorf(InternalError, "internal error - reference: %s please consult logs for details", errReference)
}

func NewInvalidConfigurationError(msg string) CamError {
	return NewCamErrorf(InvalidConfiguration, "invalid configuration: %s", msg)
}

func NewCamErrorf(errorCode ErrorCode, msgFormat string, args ...interface{}) CamError {
	msg := fmt.Sprintf(msgFormat, args...)
	return CamError{Code: errorCode, Msg: msg}
}

func NewCamError(errorCode ErrorCode, msg string) CamError {
	return CamError{Code: errorCode, Msg: msg}
}

func NewProtocolErrorf(msgFormat string, args ...interface{}) CamError {
	return NewCamErrorf(ProtocolError, msgFormat, args...)
}

func IsCamErrorWithCode(err error, code ErrorCode) bool {
	var cerr CamError
	if As(err, &cerr) {
		return cerr.Code == code
	}
	return false
}

func IsUnavailableError(err error) bool {
	return IsCamErrorWithCode(err, Unavailable)
}

type CamError struct {
	Code ErrorCode
	Msg  string
}

func (u CamError) Error() string {
	return u.Msg
}

func New(msg string) error {
	return pkgerrors.New(msg)
}

func Errorf(format string, args ...interface{}) error {
	return pkgerrors.Errorf(format, args...)
}

func WithStack(err error) error {
	return pkgerrors.WithStack(err)
}

func Wrap(err error, msg string) error {
	return pkgerrors.Wrap(err, msg)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return pkgerrors.Wrapf(err, format, args...)
}

func Is(err, target error) bool {
	return pkgerrors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return pkgerrors.As(err, target)
}

func Cause(err error) error {
	return pkgerrors.Cause(err)
}
