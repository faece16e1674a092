package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrInvalidCredentials ErrCode = "INVALID_CREDENTIALS"
	ErrSessionActive      ErrCode = "SESSION_ALREADY_ACTIVE"
	ErrSessionInvalidated ErrCode = "SESSION_INVALIDATED"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"
	ErrTokenExpired       ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden         ErrCode = "FORBIDDEN"
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"
	ErrTeacherAccessOnly ErrCode = "TEACHER_ACCESS_ONLY"
	ErrEntryAccessOnly   ErrCode = "ENTRY_ACCESS_ONLY"
	ErrNotExamAuthor     ErrCode = "NOT_EXAM_AUTHOR"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// ─── Entry token ───────────────────────────────────────────────────
	ErrEntryTokenNotFound ErrCode = "ENTRY_TOKEN_NOT_FOUND"
	ErrEntryTokenClaimed  ErrCode = "ENTRY_TOKEN_ALREADY_CLAIMED"
	ErrEntryTokenExpired  ErrCode = "ENTRY_TOKEN_EXPIRED"

	// ─── Handoff ───────────────────────────────────────────────────────
	ErrPreconditionNotMet    ErrCode = "PRECONDITION_NOT_MET"
	ErrSystemCheckFailed     ErrCode = "SYSTEM_CHECK_FAILED"
	ErrHandoffBlocked        ErrCode = "HANDOFF_BLOCKED"
	ErrInvalidSession        ErrCode = "INVALID_SESSION"
	ErrNotInLockedBrowser    ErrCode = "NOT_IN_LOCKED_BROWSER"
	ErrAttestationFailed     ErrCode = "ATTESTATION_FAILED"
	ErrExamNoLongerAvailable ErrCode = "EXAM_NO_LONGER_AVAILABLE"
	ErrStorageFailure        ErrCode = "STORAGE_FAILURE"
	ErrInvalidTransition     ErrCode = "INVALID_TRANSITION"

	// ─── Submission ────────────────────────────────────────────────────
	ErrAlreadySubmitted       ErrCode = "ALREADY_SUBMITTED"
	ErrSubmissionClosed       ErrCode = "SUBMISSION_CLOSED"
	ErrUnknownQuestion        ErrCode = "UNKNOWN_QUESTION"
	ErrBacktrackingNotAllowed ErrCode = "BACKTRACKING_NOT_ALLOWED"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrInvalidCredentials:
		return "Email/NISN atau kata sandi salah."
	case ErrSessionActive:
		return "Anda sudah login di perangkat lain."
	case ErrSessionInvalidated:
		return "Sesi Anda telah berakhir. Silakan login kembali."
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."
	case ErrTokenExpired:
		return "Token autentikasi telah kedaluwarsa."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrStudentAccessOnly:
		return "Sumber daya ini terbatas untuk siswa."
	case ErrTeacherAccessOnly:
		return "Sumber daya ini terbatas untuk guru."
	case ErrEntryAccessOnly:
		return "Sumber daya ini hanya dapat diakses dari Safe Exam Browser."
	case ErrNotExamAuthor:
		return "Anda bukan pembuat ujian ini."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."
	case ErrConflict:
		return "Sumber daya sudah ada."

	// ─── Entry token ───────────────────────────────────────────────────
	case ErrEntryTokenNotFound:
		return "Token masuk ujian tidak ditemukan."
	case ErrEntryTokenClaimed:
		return "Token masuk ujian sudah digunakan."
	case ErrEntryTokenExpired:
		return "Token masuk ujian telah kedaluwarsa. Silakan mulai ulang dari dasbor."

	// ─── Handoff ───────────────────────────────────────────────────────
	case ErrPreconditionNotMet:
		return "Ujian belum dapat dimulai. Pastikan ujian sedang berlangsung dan memiliki soal."
	case ErrSystemCheckFailed:
		return "Pemeriksaan sistem gagal. Perbaiki masalah yang tercantum lalu coba lagi."
	case ErrHandoffBlocked:
		return "Jendela ujian gagal dibuka. Izinkan pop-up lalu tekan tombol coba lagi."
	case ErrInvalidSession:
		return "Sesi masuk ujian tidak valid. Silakan mulai ulang dari dasbor."
	case ErrNotInLockedBrowser:
		return "Ujian hanya dapat dikerjakan melalui Safe Exam Browser."
	case ErrAttestationFailed:
		return "Pemeriksaan lingkungan ujian gagal."
	case ErrExamNoLongerAvailable:
		return "Jadwal atau isi ujian berubah sejak Anda memulai. Ujian tidak lagi tersedia."
	case ErrStorageFailure:
		return "Gagal menyimpan data. Silakan coba lagi."
	case ErrInvalidTransition:
		return "Langkah ini tidak dapat dilakukan pada tahap ujian saat ini."

	// ─── Submission ────────────────────────────────────────────────────
	case ErrAlreadySubmitted:
		return "Anda sudah mengumpulkan ujian ini."
	case ErrSubmissionClosed:
		return "Waktu ujian telah habis. Jawaban tidak dapat diubah lagi."
	case ErrUnknownQuestion:
		return "Soal tidak ditemukan pada ujian ini."
	case ErrBacktrackingNotAllowed:
		return "Ujian ini tidak mengizinkan kembali ke soal sebelumnya."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
