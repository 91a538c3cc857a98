// Package mtperr defines the domain error taxonomy used by the storage
// and responder layers, and its mapping onto MTP response codes.
package mtperr

import (
	"fmt"

	"github.com/go-mtp/mtpd/internal/mtp"
)

// Code identifies a domain error independent of its MTP wire
// representation.
type Code int

const (
	CodeUnknown Code = iota

	// Session
	CodeSessionNotOpen
	CodeSessionAlreadyOpen
	CodeInvalidTransactionID

	// Request
	CodeOperationNotSupported
	CodeParameterNotSupported
	CodeInvalidParameter

	// Storage
	CodeInvalidStorageID
	CodeStoreFull
	CodeStoreReadOnly
	CodeStoreNotAvailable

	// Object
	CodeInvalidObjectHandle
	CodeInvalidParentObject
	CodeInvalidObjectFormatCode
	CodeObjectWriteProtected
	CodeAccessDenied
	CodePartialDeletion

	// Property
	CodeInvalidObjectPropCode
	CodeInvalidObjectPropFormat
	CodeInvalidObjectPropValue
	CodeObjectPropNotSupported
	CodeGroupNotSupported
	CodeSpecificationByGroupUnsupported

	// Reference
	CodeInvalidObjectReference

	// General
	CodeGeneralError
	CodeIncompleteTransfer
	CodeMalformedContainer
	CodeUnsupportedType
)

// StoreError is the domain error type returned by storage and responder
// code. Path is optional context (the filesystem path involved, when
// relevant); it is empty when the error is not path-scoped.
type StoreError struct {
	Code    Code
	Message string
	Path    string
}

func (e *StoreError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds a StoreError with no path context.
func New(code Code, message string) *StoreError {
	return &StoreError{Code: code, Message: message}
}

// NewPath builds a StoreError scoped to a filesystem path.
func NewPath(code Code, message, path string) *StoreError {
	return &StoreError{Code: code, Message: message, Path: path}
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "Unknown"
}

var codeNames = map[Code]string{
	CodeSessionNotOpen:                   "SessionNotOpen",
	CodeSessionAlreadyOpen:               "SessionAlreadyOpen",
	CodeInvalidTransactionID:             "InvalidTransactionID",
	CodeOperationNotSupported:            "OperationNotSupported",
	CodeParameterNotSupported:            "ParameterNotSupported",
	CodeInvalidParameter:                 "InvalidParameter",
	CodeInvalidStorageID:                 "InvalidStorageID",
	CodeStoreFull:                        "StoreFull",
	CodeStoreReadOnly:                    "StoreReadOnly",
	CodeStoreNotAvailable:                "StoreNotAvailable",
	CodeInvalidObjectHandle:              "InvalidObjectHandle",
	CodeInvalidParentObject:              "InvalidParentObject",
	CodeInvalidObjectFormatCode:          "InvalidObjectFormatCode",
	CodeObjectWriteProtected:             "ObjectWriteProtected",
	CodeAccessDenied:                     "AccessDenied",
	CodePartialDeletion:                  "PartialDeletion",
	CodeInvalidObjectPropCode:            "InvalidObjectPropCode",
	CodeInvalidObjectPropFormat:          "InvalidObjectPropFormat",
	CodeInvalidObjectPropValue:           "InvalidObjectPropValue",
	CodeObjectPropNotSupported:           "ObjectPropNotSupported",
	CodeGroupNotSupported:                "GroupNotSupported",
	CodeSpecificationByGroupUnsupported:  "SpecificationByGroupUnsupported",
	CodeInvalidObjectReference:           "InvalidObjectReference",
	CodeGeneralError:                     "GeneralError",
	CodeIncompleteTransfer:               "IncompleteTransfer",
	CodeMalformedContainer:               "MalformedContainer",
	CodeUnsupportedType:                  "UnsupportedType",
}

// codeToResponse maps a domain error Code to its MTP response code.
var codeToResponse = map[Code]mtp.ResponseCode{
	CodeSessionNotOpen:                  mtp.RespSessionNotOpen,
	CodeSessionAlreadyOpen:              mtp.RespSessionAlreadyOpen,
	CodeInvalidTransactionID:            mtp.RespInvalidTransactionID,
	CodeOperationNotSupported:           mtp.RespOperationNotSupported,
	CodeParameterNotSupported:           mtp.RespParameterNotSupported,
	CodeInvalidParameter:                mtp.RespInvalidParameter,
	CodeInvalidStorageID:                mtp.RespInvalidStorageID,
	CodeStoreFull:                       mtp.RespStoreFull,
	CodeStoreReadOnly:                   mtp.RespStoreReadOnly,
	CodeStoreNotAvailable:               mtp.RespStoreNotAvailable,
	CodeInvalidObjectHandle:             mtp.RespInvalidObjectHandle,
	CodeInvalidParentObject:             mtp.RespInvalidParentObject,
	CodeInvalidObjectFormatCode:         mtp.RespInvalidObjectFormatCode,
	CodeObjectWriteProtected:            mtp.RespObjectWriteProtected,
	CodeAccessDenied:                    mtp.RespAccessDenied,
	CodePartialDeletion:                 mtp.RespPartialDeletion,
	CodeInvalidObjectPropCode:           mtp.RespInvalidObjectPropCode,
	CodeInvalidObjectPropFormat:         mtp.RespInvalidObjectPropFormat,
	CodeInvalidObjectPropValue:          mtp.RespInvalidObjectPropValue,
	CodeObjectPropNotSupported:          mtp.RespObjectPropNotSupported,
	CodeGroupNotSupported:               mtp.RespGroupNotSupported,
	CodeSpecificationByGroupUnsupported: mtp.RespSpecificationByGroupUnsupported,
	CodeInvalidObjectReference:          mtp.RespInvalidObjectReference,
	CodeGeneralError:                    mtp.RespGeneralError,
	CodeIncompleteTransfer:              mtp.RespIncompleteTransfer,
	CodeMalformedContainer:              mtp.RespGeneralError,
	CodeUnsupportedType:                 mtp.RespGeneralError,
}

// ToResponseCode maps err onto an MTP response code. Any error that is
// not a *StoreError, or whose Code has no mapping, maps to GeneralError
// so the responder never propagates an unexpected error type into a
// wire response.
func ToResponseCode(err error) mtp.ResponseCode {
	if err == nil {
		return mtp.RespOK
	}
	se, ok := err.(*StoreError)
	if !ok {
		return mtp.RespGeneralError
	}
	if rc, ok := codeToResponse[se.Code]; ok {
		return rc
	}
	return mtp.RespGeneralError
}
