package service

import (
	"errors"

	"github.com/bitfantasy/nimo-qms/internal/qms/repository"
)

// 错误分类。所有状态变更操作出错即整体回滚，调用方用 errors.Is 判别。
var (
	// ErrNotFound 实体不存在
	ErrNotFound = repository.ErrNotFound
	// ErrInvalidState 当前状态不允许该操作
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrNotAuthorized 调用者无权执行该操作
	ErrNotAuthorized = errors.New("not authorized")
	// ErrValidation 输入不合法
	ErrValidation = errors.New("validation failed")
	// ErrIntegrity 内部不变量被破坏（如驳回快照写入失败），事务必须中止
	ErrIntegrity = errors.New("integrity violation")
)
