package authzserver

import (
	"github.com/joho/godotenv"
)

// LoadEnv wraps godotenv.Load and expands ~ to $HOME in file names.
func LoadEnv(files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(ExpandPath(file)); err != nil {
			return err
		}
	}
	return nil
}
