package users

import (
	"crypto/subtle"
	"errors"
	"golang.org/x/crypto/bcrypt"
	"net"
	"strings"
	"sync"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidPassword = errors.New("invalid password")
	ErrIPNotAllowed    = errors.New("ip address not allowed")
)

type User struct {
	Username string
	// Password is either the plain password or a bcrypt hash of it
	Password   string
	CustomerID int64
	// IPs is the allow list, empty means any address
	IPs []string
}

func UniqSlice[T comparable](s []T) []T {
	m := make(map[T]struct{})
	var result []T
	for _, v := range s {
		if _, ok := m[v]; ok {
			continue
		}
		m[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

func (u *User) FindIP(ip string) bool {
	for _, v := range u.IPs {
		if v == ip {
			return true
		}
	}
	return false
}

func (u *User) AddIP(ip string) {
	u.IPs = UniqSlice(append(u.IPs, ip))
}

func (u *User) RemoveIP(ip string) {
	var result []string
	for _, v := range u.IPs {
		if v != ip {
			result = append(result, v)
		}
	}
	u.IPs = result
}

// CheckPassword compares pass with the stored password, hashed or not
func (u *User) CheckPassword(pass string) bool {
	if isHash(u.Password) {
		return bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(pass)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(u.Password), []byte(pass)) == 1
}

func isHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// HashPassword returns the bcrypt hash of pass, suitable for User.Password
func HashPassword(pass string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type Users interface {
	List() (map[string]*User, error)
	// Get finds a user by username
	Get(username string) (*User, error)
	// Find authenticates a user, ip is checked against the allow list when it is not empty
	Find(username, password, ip string) (*User, error)
}

var _ Users = &LocalUsers{}

type LocalUsers struct {
	users map[string]*User
	wg    sync.RWMutex
}

// List returns a copy of the users map
func (u *LocalUsers) List() (map[string]*User, error) {
	u.wg.RLock()
	defer u.wg.RUnlock()
	out := make(map[string]*User, len(u.users))
	for k, v := range u.users {
		out[k] = v
	}
	return out, nil
}

func (u *LocalUsers) Get(username string) (*User, error) {
	u.wg.RLock()
	defer u.wg.RUnlock()
	user, ok := u.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (u *LocalUsers) Find(username, password, ip string) (*User, error) {
	user, err := u.Get(username)
	if err != nil {
		return nil, err
	}
	if !user.CheckPassword(password) {
		return nil, ErrInvalidPassword
	}
	if ip == "" || len(user.IPs) == 0 {
		return user, nil
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	if !user.FindIP(ip) {
		return nil, ErrIPNotAllowed
	}
	return user, nil
}

func (u *LocalUsers) Add(user, pass string, customerID int64) *User {
	u.wg.Lock()
	defer u.wg.Unlock()

	newUser := &User{
		Username:   user,
		Password:   pass,
		CustomerID: customerID,
		IPs:        []string{},
	}

	u.users[newUser.Username] = newUser
	return newUser
}

func (u *LocalUsers) Remove(user string) *User {
	u.wg.Lock()
	defer u.wg.Unlock()
	oldUser := u.users[user]
	delete(u.users, user)
	return oldUser
}

func NewLocalUsers() *LocalUsers {
	return &LocalUsers{
		users: make(map[string]*User),
	}
}
