package data

import (
	"errors"
	"fmt"
)

var ErrWrongHash = errors.New("computed hash disagrees with declared hash")
var ErrBadSignature = errors.New("signature verification failed")
var ErrMissingSignature = errors.New("authored literal is missing a signature")
var ErrInvalidLiteral = errors.New("invalid literal")
var ErrValidationFailed = errors.New("object validation failed")
var ErrMissingKey = errors.New("identity has no private key")

type UnknownClassError struct {
	Name string
}

func (self *UnknownClassError) Error() string {
	return fmt.Sprintf("unknown class: %s", self.Name)
}
