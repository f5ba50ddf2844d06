package rbac

import "sort"

// Role names. Keep these stable; they are stored in users.role.
const (
	RoleUser             = "USER"
	RoleTeacher          = "TEACHER"
	RoleLibrarian        = "LIBRARIAN"
	RoleHostelManagement = "HOSTEL_MANAGEMENT"
	RoleManager          = "MANAGER"
	RoleAdmin            = "ADMIN"
)

// Permission strings granted to roles.
const (
	AdminRead   = "admin:read"
	AdminUpdate = "admin:update"
	AdminCreate = "admin:create"
	AdminDelete = "admin:delete"

	ManagerRead   = "management:read"
	ManagerUpdate = "management:update"
	ManagerCreate = "management:create"
	ManagerDelete = "management:delete"

	TeacherRead   = "teacher:read"
	TeacherUpdate = "teacher:update"
	TeacherCreate = "teacher:create"
	TeacherDelete = "teacher:delete"

	LibrarianRead   = "librarian:read"
	LibrarianUpdate = "librarian:update"
	LibrarianCreate = "librarian:create"
	LibrarianDelete = "librarian:delete"

	HostelManagementRead   = "hostelManagement:read"
	HostelManagementUpdate = "hostelManagement:update"
	HostelManagementCreate = "hostelManagement:create"
	HostelManagementDelete = "hostelManagement:delete"

	UserRead   = "user:read"
	UserUpdate = "user:update"
	UserCreate = "user:create"
	UserDelete = "user:delete"
)

var (
	adminPerms            = []string{AdminRead, AdminUpdate, AdminCreate, AdminDelete}
	managerPerms          = []string{ManagerRead, ManagerUpdate, ManagerCreate, ManagerDelete}
	teacherPerms          = []string{TeacherRead, TeacherUpdate, TeacherCreate, TeacherDelete}
	librarianPerms        = []string{LibrarianRead, LibrarianUpdate, LibrarianCreate, LibrarianDelete}
	hostelManagementPerms = []string{HostelManagementRead, HostelManagementUpdate, HostelManagementCreate, HostelManagementDelete}
	userPerms             = []string{UserRead, UserUpdate, UserCreate, UserDelete}
)

// grants is the static role table. Each staff role manages its own area plus
// plain users; MANAGER manages every staff area; ADMIN adds admin:*.
var grants = map[string][][]string{
	RoleUser:             {userPerms},
	RoleTeacher:          {teacherPerms, userPerms},
	RoleLibrarian:        {librarianPerms, userPerms},
	RoleHostelManagement: {hostelManagementPerms, userPerms},
	RoleManager:          {managerPerms, teacherPerms, librarianPerms, hostelManagementPerms, userPerms},
	RoleAdmin:            {adminPerms, managerPerms, teacherPerms, librarianPerms, hostelManagementPerms, userPerms},
}

func Valid(role string) bool {
	_, ok := grants[role]
	return ok
}

func IsAdmin(role string) bool { return role == RoleAdmin }

// Authority is the role entry listed next to the permissions, e.g. ROLE_ADMIN.
func Authority(role string) string { return "ROLE_" + role }

// PermissionsFor returns the sorted permissions of role followed by its
// authority. Unknown roles get nil.
func PermissionsFor(role string) []string {
	groups, ok := grants[role]
	if !ok {
		return nil
	}
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	sort.Strings(out)
	return append(out, Authority(role))
}
