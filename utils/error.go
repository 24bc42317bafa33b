package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

var ErrorActorRequired = errors.New("user id is required")
