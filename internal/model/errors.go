package model

import "errors"

// 前置条件错误，调用方使用 errors.Is 判断
var (
	ErrNotFound          = errors.New("not found")
	ErrInactive          = errors.New("project is inactive")
	ErrAlreadyInProgress = errors.New("sync already in progress")
	ErrAlreadyResolved   = errors.New("conflict already resolved")
	ErrOperationFinished = errors.New("sync operation already finished")
	ErrUnknownStrategy   = errors.New("unknown resolution strategy")
	ErrValidation        = errors.New("validation failed")
	ErrDuplicate         = errors.New("already exists")
)
