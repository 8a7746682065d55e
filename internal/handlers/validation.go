package handlers

import (
	"fmt"

	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/models"
)

// validateUserId はユーザーIDのバリデーションを行います
// ユーザーIDが空の場合はエラーを返します
func validateUserId(userId string) error {
	if normalizeID(userId) == "" {
		return fmt.Errorf("userId required")
	}
	return nil
}

// validateRoomId はルームIDのバリデーションを行います
// ルームIDが空の場合はエラーを返します
func validateRoomId(roomId string) error {
	if normalizeID(roomId) == "" {
		return fmt.Errorf("roomId required")
	}
	return nil
}

// validateRole はロールのバリデーションを行います
func validateRole(role models.Role) error {
	if !role.Valid() {
		return fmt.Errorf("role must be speaker or listener")
	}
	return nil
}
