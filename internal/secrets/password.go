package secrets

import "golang.org/x/crypto/bcrypt"

// PasswordHasher hashes and checks user passwords with bcrypt. It is
// independent of the credential Cipher: password hashing is one-way
// and has its own threat model.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher builds a hasher. Costs outside bcrypt's valid
// range fall back to the library default.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash returns the bcrypt hash of a password.
func (h *PasswordHasher) Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Compare reports whether password matches the stored hash.
func (h *PasswordHasher) Compare(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
