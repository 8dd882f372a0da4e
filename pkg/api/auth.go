package api

import (
	"golang.org/x/crypto/bcrypt"
)

// checkPassword compares a bcrypt hash with a plaintext password.
func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword(
		[]byte(hash), []byte(password),
	) == nil
}

// authenticate reports whether the credentials match a configured user.
func (s *server) authenticate(username, password string) bool {
	for _, u := range s.cfg.Auth.Users {
		if u.Username == username {
			return checkPassword(u.Password, password)
		}
	}

	return false
}
