package tokens

import "golang.org/x/crypto/bcrypt"

// HashPassword hashes a password using bcrypt at the given cost, or the
// library default when cost is 0.
func HashPassword(password string, cost int) (string, error) {
	bcryptCost := bcrypt.DefaultCost
	if cost > 0 {
		bcryptCost = cost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// ComparePassword reports whether password matches the bcrypt hash.
func ComparePassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
