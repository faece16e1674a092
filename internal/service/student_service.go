package service

import (
	"context"

	"github.com/stemsi/exstem-seb/internal/model"
	"github.com/stemsi/exstem-seb/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

// AccountService creates and looks up student and teacher accounts.
type AccountService struct {
	studentRepo *repository.StudentRepository
	teacherRepo *repository.TeacherRepository
	bcryptCost  int
}

// NewAccountService creates a new AccountService.
func NewAccountService(studentRepo *repository.StudentRepository, teacherRepo *repository.TeacherRepository, bcryptCost int) *AccountService {
	if bcryptCost < bcrypt.MinCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &AccountService{studentRepo: studentRepo, teacherRepo: teacherRepo, bcryptCost: bcryptCost}
}

// GetStudentByNISN retrieves a student by NISN.
func (s *AccountService) GetStudentByNISN(ctx context.Context, nisn string) (*model.Student, error) {
	return s.studentRepo.GetByNISN(ctx, nisn)
}

// GetStudent retrieves a student by ID.
func (s *AccountService) GetStudent(ctx context.Context, id int) (*model.Student, error) {
	return s.studentRepo.GetByID(ctx, id)
}

// GetTeacherByEmail retrieves a teacher by email.
func (s *AccountService) GetTeacherByEmail(ctx context.Context, email string) (*model.Teacher, error) {
	return s.teacherRepo.GetByEmail(ctx, email)
}

// CreateStudent inserts a student. PasswordHash carries the plain password on input.
func (s *AccountService) CreateStudent(ctx context.Context, student *model.Student) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(student.PasswordHash), s.bcryptCost)
	if err != nil {
		return err
	}
	student.PasswordHash = string(hashed)
	return s.studentRepo.Create(ctx, student)
}

// CreateTeacher inserts a teacher. PasswordHash carries the plain password on input.
func (s *AccountService) CreateTeacher(ctx context.Context, teacher *model.Teacher) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(teacher.PasswordHash), s.bcryptCost)
	if err != nil {
		return err
	}
	teacher.PasswordHash = string(hashed)
	return s.teacherRepo.Create(ctx, teacher)
}
