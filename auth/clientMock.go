package auth

import (
	"net/http"
)

type ClientMock struct {
	ServerSecret string
	Unauthorized bool
	UserID       string
	Role         string
	IsServer     bool
}

func NewMock() *ClientMock {
	return &ClientMock{
		ServerSecret: "server-secret",
		Unauthorized: false,
		UserID:       "5f8f8f8f8f8f8f8f8f8f8f8f",
		Role:         RoleParticipant,
		IsServer:     false,
	}
}

func (client *ClientMock) Authenticate(req *http.Request) *TokenData {
	if client.Unauthorized {
		return nil
	}

	if serverSecret := req.Header.Get("x-studykit-server-secret"); serverSecret != "" {
		if serverSecret != client.ServerSecret {
			return nil
		}
		return &TokenData{IsServer: true}
	}
	if req.Header.Get("authorization") != "" {
		return &TokenData{UserID: client.UserID, Role: client.Role, IsServer: client.IsServer}
	}
	return nil
}
