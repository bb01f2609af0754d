package models

// Config holds the process configuration read from config.json. The listen
// port can be overridden with the PORT environment variable.
type Config struct {
	Port string `json:"port"`

	// Storage selects the user-directory snapshot backend:
	// "file" (default), "postgres" or "redis".
	Storage string `json:"storage"`

	// File backend.
	DirectoryPath string `json:"directory_path"`

	// Postgres backend.
	DBHost     string `json:"db_host"`
	DBUser     string `json:"db_user"`
	DBPassword string `json:"db_password"`
	DBName     string `json:"db_name"`
	DBSSLMode  string `json:"db_sslmode"`
}
