package auth

import (
	"fmt"
	"net/http"
)

// Заголовки, проставляемые шлюзом после проверки токена. Сервис доверяет
// шлюзу и сам токены не разбирает.
const (
	userIDHeader = "X-User-Id"
	roleHeader   = "X-User-Role"
)

// VerifyToken извлекает идентификатор пользователя из запроса
func VerifyToken(r *http.Request) (string, error) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		return "", fmt.Errorf("no user identity in request")
	}
	return userID, nil
}

// IsAdmin сообщает, пришел ли запрос от администратора
func IsAdmin(r *http.Request) bool {
	return r.Header.Get(roleHeader) == "admin"
}
