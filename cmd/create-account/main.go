package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/stemsi/exstem-seb/internal/config"
	"github.com/stemsi/exstem-seb/internal/database"
	"github.com/stemsi/exstem-seb/internal/logger"
	"github.com/stemsi/exstem-seb/internal/model"
	"github.com/stemsi/exstem-seb/internal/repository"
	"github.com/stemsi/exstem-seb/internal/service"
	"golang.org/x/term"
)

// Creates a teacher or student account from the terminal.
//
//	go run ./cmd/create-account -role teacher
//	go run ./cmd/create-account -role student
func main() {
	role := flag.String("role", "teacher", "account type: teacher or student")
	flag.Parse()
	if *role != "teacher" && *role != "student" {
		fmt.Println("Error: -role must be teacher or student")
		os.Exit(2)
	}

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	accounts := service.NewAccountService(
		repository.NewStudentRepository(pool),
		repository.NewTeacherRepository(pool),
		cfg.BcryptCost,
	)

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	fmt.Printf("=== Create New %s Account ===\n", strings.ToUpper((*role)[:1])+(*role)[1:])

	name := prompt(reader, "Enter Name: ")
	if name == "" {
		fmt.Println("Error: Name is required")
		return
	}

	loginLabel := "Enter Email: "
	if *role == "student" {
		loginLabel = "Enter NISN: "
	}
	login := prompt(reader, loginLabel)
	if login == "" {
		fmt.Println("Error: login is required")
		return
	}

	fmt.Print("Enter Password: ")
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		fmt.Println("\nError reading password")
		return
	}
	password := string(bytePassword)
	fmt.Println()
	if len(password) < 6 {
		fmt.Println("Error: Password must be at least 6 characters")
		return
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	if *role == "teacher" {
		t := &model.Teacher{Email: login, Name: name, PasswordHash: password}
		if err := accounts.CreateTeacher(ctx, t); err != nil {
			log.Fatal().Err(err).Msg("Failed to create teacher")
		}
		fmt.Printf("\nSuccess! Teacher '%s' (%s) created with ID: %d\n", t.Name, t.Email, t.ID)
		return
	}

	s := &model.Student{NISN: login, Name: name, PasswordHash: password}
	if err := accounts.CreateStudent(ctx, s); err != nil {
		log.Fatal().Err(err).Msg("Failed to create student")
	}
	fmt.Printf("\nSuccess! Student '%s' (NISN %s) created with ID: %d\n", s.Name, s.NISN, s.ID)
}

func prompt(r *bufio.Reader, label string) string {
	fmt.Print(label)
	line, _ := r.ReadString('\n')
	return strings.TrimSpace(line)
}
