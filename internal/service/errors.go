package service

import "errors"

// カスタムエラー定義
var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomAccessDenied = errors.New("forbidden: not a room member")
	ErrRoomEnded        = errors.New("room already ended")
)
