package dto

type ShowKeyInput struct {
	RoomID string
}

type ShowKeyOutput struct {
	UserID      string
	RoomID      string
	Algorithm   string
	Fingerprint string
}

type EncryptInput struct {
	RoomID    string
	Plaintext string
}

type EncryptOutput struct {
	RoomID     string
	Ciphertext string
}

type DecryptInput struct {
	RoomID     string
	Ciphertext string
}

type DecryptOutput struct {
	RoomID    string
	Plaintext string
}
